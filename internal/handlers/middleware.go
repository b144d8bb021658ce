package handlers

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/juju/ratelimit"
)

// OriginAllowed reports whether a WebSocket handshake comes from an allowed
// origin. Requests without an Origin header (native clients) are accepted.
func OriginAllowed(allowedOrigins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// If no origin header (direct WebSocket connection), check Sec-WebSocket-Origin
		if origin == "" {
			origin = r.Header.Get("Sec-WebSocket-Origin")
		}
		return origin == "" || originListed(allowedOrigins, origin)
	}
}

func originListed(allowedOrigins []string, origin string) bool {
	return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
}

// OriginFilter rejects browser requests from origins outside the allow-list
// and answers CORS preflights for the ones inside it.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	allowed := OriginAllowed(allowedOrigins)
	corsHandler := cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return originListed(allowedOrigins, origin)
		},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})

	return func(c *gin.Context) {
		if !allowed(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}
		corsHandler(c)
	}
}

// RateLimit limits the HTTP API to perSecond requests with a matching burst,
// shared across all callers.
func RateLimit(perSecond float64) gin.HandlerFunc {
	burst := int64(perSecond)
	if burst < 1 {
		burst = 1
	}
	bucket := ratelimit.NewBucketWithRate(perSecond, burst)

	return func(c *gin.Context) {
		if bucket.TakeAvailable(1) == 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
