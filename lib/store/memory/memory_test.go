package memory

import (
	"testing"

	"github.com/tarancss/cargo/lib/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, New())
}
