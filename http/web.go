package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

var indexHandler = func(output string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", gin.H{"Output": output})
	}
}
