package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
)

// cachedResponse is a stored 200 response body.
type cachedResponse struct {
	contentType string
	body        []byte
}

// bodyRecorder tees the response body so a successful render can be cached.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

// HistoryCache caches history responses whose whole window lies before the
// current UTC day. Such windows are immutable (the store is append-only and
// the collector only writes at the current time), so the cached body can
// never go stale. Requests touching today are always recomputed, keeping
// query results consistent with the latest committed write.
func HistoryCache(size int, now func() time.Time) (gin.HandlerFunc, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		end, err := time.ParseInLocation("2006-01-02", c.Query("end"), time.UTC)
		if err != nil || !end.Before(startOfToday(now())) {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if hit, ok := cache.Get(key); ok {
			resp := hit.(cachedResponse)
			c.Data(http.StatusOK, resp.contentType, resp.body)
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec

		c.Next()

		if c.Writer.Status() == http.StatusOK {
			cache.Add(key, cachedResponse{
				contentType: c.Writer.Header().Get("Content-Type"),
				body:        rec.buf.Bytes(),
			})
		}
	}, nil
}

func startOfToday(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
