package governor

import (
	"math"
	"net"
	"strconv"
	"time"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

// ValidateRuleName validates rule and filter name format and constraints
func ValidateRuleName(name string) error {
	if name == "" {
		return errors.NewValidationError("rule name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("rule name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("rule name contains invalid characters: only letters, numbers, hyphens, dots and underscores are allowed", nil).
				WithContext("name", name)
		}
	}

	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil).WithContext("port", port)
	}
	return nil
}

// ValidateNetworkAddress validates host:port format
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

// maxRefreshSeconds keeps the interval representable as a time.Duration
const maxRefreshSeconds = float64(math.MaxInt64 / int64(time.Second))

// ValidateRefreshInterval accepts a finite number of seconds that is at least one nanosecond
func ValidateRefreshInterval(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return errors.NewValidationError("refresh interval must be a positive number of seconds", nil).
			WithContext("refresh_interval", seconds)
	}
	if seconds > maxRefreshSeconds {
		return errors.NewValidationError("refresh interval is too large", nil).
			WithContext("refresh_interval", seconds)
	}
	if time.Duration(seconds*float64(time.Second)) <= 0 {
		return errors.NewValidationError("refresh interval is shorter than a nanosecond", nil).
			WithContext("refresh_interval", seconds)
	}
	return nil
}

func ValidateLogLevel(level string) error {
	if _, err := logging.ParseLevel(level); err != nil {
		return errors.NewValidationError("invalid log level: "+level, err).
			WithContext("valid_levels", "debug, info, warn, error")
	}
	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '.'
}
