package session

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

const sessionIDPrefix = "sess"

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newSessionID() string {
	return newID(sessionIDPrefix)
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
