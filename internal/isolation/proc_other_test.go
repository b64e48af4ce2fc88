//go:build !linux

package isolation

import "testing"

func assertReaped(*testing.T, int) {}
