package validation

import (
	"fmt"
	"regexp"
)

// CompanyPattern допустимый формат имени компании:
// латинские буквы, цифры, '_', '-' и '.', первый символ буква или цифра.
var CompanyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// DeviceIDPattern допустимый формат идентификатора устройства
var DeviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

const (
	MinCompanyLen    = 3
	MaxCompanyLen    = 64
	MaxDeviceIDLen   = 64
	MinPassphraseLen = 12
)

// ValidateCompany проверяет имя компании
func ValidateCompany(company string) error {
	if company == "" {
		return fmt.Errorf("company cannot be empty")
	}
	if len(company) < MinCompanyLen {
		return fmt.Errorf("company must be at least %d characters long", MinCompanyLen)
	}
	if len(company) > MaxCompanyLen {
		return fmt.Errorf("company must not exceed %d characters", MaxCompanyLen)
	}
	if !CompanyPattern.MatchString(company) {
		return fmt.Errorf("company can only contain letters, numbers, '_', '-' and '.', and must start with a letter or number")
	}
	return nil
}

// ValidateDeviceID проверяет идентификатор устройства.
// ID попадает в AAD конвертов и в ключи хранилищ, поэтому без разделителей.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(deviceID) > MaxDeviceIDLen {
		return fmt.Errorf("device ID must not exceed %d characters", MaxDeviceIDLen)
	}
	if !DeviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("device ID can only contain letters, numbers, '_', '-' and '.'")
	}
	return nil
}

// ValidatePassphrase проверяет минимальные требования к парольной фразе компании
func ValidatePassphrase(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase cannot be empty")
	}
	if len(passphrase) < MinPassphraseLen {
		return fmt.Errorf("passphrase must be at least %d characters long", MinPassphraseLen)
	}
	return nil
}
