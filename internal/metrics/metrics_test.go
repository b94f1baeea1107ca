package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHTTPMiddleware(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(HTTPMiddleware())
	router.GET("/items/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("/items/:id", http.MethodGet, "204"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	after := testutil.ToFloat64(httpRequests.WithLabelValues("/items/:id", http.MethodGet, "204"))
	assert.Equal(t, before+1, after, "ルートパターン単位で集計されること")
}

func TestCountPanic(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(PanicsRecovered.WithLabelValues("/panic"))
	CountPanic("/panic")
	assert.Equal(t, before+1, testutil.ToFloat64(PanicsRecovered.WithLabelValues("/panic")))
}
