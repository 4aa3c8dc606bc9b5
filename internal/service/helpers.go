package service

import (
	"strings"

	"github.com/google/uuid"
)

func generateID(prefix string) string {
	clean := strings.ReplaceAll(uuid.New().String(), "-", "")
	if prefix == "" {
		return clean
	}
	return prefix + "_" + clean[:26]
}
