package logger

import (
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/utils"
)

// MaskPhone keeps only the last digits of a caller number
func MaskPhone(key, phone string) zap.Field {
	return zap.String(key, utils.MaskPhoneNumber(phone))
}

func MaskPhoneIfPresent(key, phone string) zap.Field {
	if phone == "" {
		return zap.Skip()
	}
	return MaskPhone(key, phone)
}
