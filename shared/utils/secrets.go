package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretsDir - каталог Docker Secrets; переопределяется в тестах.
var SecretsDir = "/run/secrets"

// ReadSecret читает секрет из файла в стандартном пути Docker Secrets.
func ReadSecret(secretName string) (string, error) {
	filePath := filepath.Join(SecretsDir, secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}

// SecretOr returns the file secret when present, otherwise fallback.
// A local install keeps API keys in the settings file; a container mounts them as secrets.
func SecretOr(secretName, fallback string) string {
	if secret, err := ReadSecret(secretName); err == nil {
		return secret
	}
	return fallback
}
