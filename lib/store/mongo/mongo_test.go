package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/cargo/lib/store/storetest"
)

func testURI() string {
	host := os.Getenv("CARGO_TEST_MONGO")
	if host == "" {
		host = "mongodb://localhost:27017"
	}

	return fmt.Sprintf("%s/cargo_test_%d", host, time.Now().UnixNano())
}

func TestNew(t *testing.T) {
	_, err := New("postgres://localhost")
	assert.Error(t, err)
}

func TestMongo(t *testing.T) {
	m, err := New(testURI())
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}

	defer func() {
		require.NoError(t, m.Drop(context.Background()))
		require.NoError(t, m.Close())
	}()

	storetest.Run(t, m)
}
