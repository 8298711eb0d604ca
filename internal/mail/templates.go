package mail

import "fmt"

func Verification(to, appURL, token string) Email {
	return Email{
		To:      to,
		Subject: "Verify your email address",
		Text: fmt.Sprintf("Welcome!\n\nConfirm your address by opening the link below. It expires in 24 hours.\n\n%s/verify?token=%s\n",
			appURL, token),
	}
}

func PasswordReset(to, appURL, token string) Email {
	return Email{
		To:      to,
		Subject: "Reset your password",
		Text: fmt.Sprintf("A password reset was requested for your account. The link expires in 1 hour.\n\n%s/reset-password?token=%s\n\nIf you did not ask for this, ignore this email.\n",
			appURL, token),
	}
}

func EmailChangeCode(to, newEmail, code string) Email {
	return Email{
		To:      to,
		Subject: "Confirm your email change",
		Text: fmt.Sprintf("Use this code to change your account email to %s. It expires in 30 minutes.\n\n%s\n\nIf you did not ask for this, change your password.\n",
			newEmail, code),
	}
}

func PinReset(to, appURL, serial, token string) Email {
	return Email{
		To:      to,
		Subject: "Reset your scooter PIN",
		Text: fmt.Sprintf("A PIN reset was requested for scooter %s. The link expires in 1 hour.\n\n%s/pin-recovery?token=%s\n\nIf you did not ask for this, ignore this email.\n",
			serial, appURL, token),
	}
}
