// Package common holds small helpers shared by the binaries.
package common

import (
	uuid "github.com/nu7hatch/gouuid"
)

// GenUUID returns a random v4 uuid. The scheduler names each of its runs
// with one so workers can tell a restarted scheduler from a reconnect.
func GenUUID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// only fails when crypto/rand does
		panic(err)
	}
	return id.String()
}
