package date

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent_ParsesAsHTTPDate(t *testing.T) {
	stop := StartTicker()
	defer stop()

	got, err := time.Parse(http.TimeFormat, Current())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got, 2*time.Second)
}
