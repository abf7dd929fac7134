package device

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"atsflow/pkg/requestcontext"
)

func TestLabel(t *testing.T) {
	t.Run("equipment product token kept", func(t *testing.T) {
		assert.Equal(t, "ats-brake-rig/2.1", Label("ats-brake-rig/2.1"))
	})

	t.Run("browser reduced to name and os", func(t *testing.T) {
		ua := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
		assert.Equal(t, "Chrome/Linux", Label(ua))
	})

	t.Run("empty is unknown", func(t *testing.T) {
		assert.Equal(t, "unknown", Label("  "))
	})
}

func TestMiddleware(t *testing.T) {
	var got string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = requestcontext.Client(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "ats-noise-meter/1.0")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "ats-noise-meter/1.0", got)
}
