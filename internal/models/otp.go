package models

import (
	"fmt"
	"time"
)

// OTPPurpose tells which flow a one-time code belongs to.
type OTPPurpose int

const (
	PurposeLogin OTPPurpose = iota + 1
	PurposePasswordReset
)

func (p OTPPurpose) String() string {
	switch p {
	case PurposeLogin:
		return "OTP_LOGIN"
	case PurposePasswordReset:
		return "RESET_PASSWORD"
	}
	return fmt.Sprintf("OTPPurpose(%d)", int(p))
}

func ParseOTPPurpose(s string) (OTPPurpose, error) {
	switch s {
	case "OTP_LOGIN":
		return PurposeLogin, nil
	case "RESET_PASSWORD":
		return PurposePasswordReset, nil
	}
	return 0, fmt.Errorf("unknown otp purpose %q", s)
}

type OTPToken struct {
	ID        string
	Code      string
	UserID    string
	Purpose   OTPPurpose
	IsUsed    bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsValid reports whether the token can still be redeemed at now.
func (t *OTPToken) IsValid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}
