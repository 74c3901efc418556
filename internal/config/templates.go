package config

import (
	"fmt"
	"os"
)

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(storeTemplate), 0o600)
}

const storeTemplate = `name = "default"
rows = 11
ways = 3
lock_timeout = "1s"
max_ticket_len = 65536
session_validity = "2h"

[sink]
kind = "file"
path = "var/sessionstore.snap"
interval = "1m"
`
