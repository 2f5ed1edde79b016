package http

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/jkaberg/torrent-subx/extract"
	"github.com/jkaberg/torrent-subx/torrent"
)

var apiStatusHandler = func(ss *torrent.Stats) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"torrentStats": ss.List(),
		})
	}
}

var apiPauseHandler = func(ss *torrent.Stats) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		sessionAction(ctx, ss.Pause)
	}
}

var apiResumeHandler = func(ss *torrent.Stats) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		sessionAction(ctx, ss.Resume)
	}
}

func sessionAction(ctx *gin.Context, action func(hash string) error) {
	hash := ctx.Param("hash")
	if err := action(hash); err != nil {
		ctx.JSON(statusOf(err), Error{Error: err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"hash": hash})
}

var apiListHandler = func(e Extractor) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		source := ctx.Query("source")
		if source == "" {
			ctx.JSON(http.StatusBadRequest, Error{Error: "source is required"})
			return
		}

		l, err := e.List(ctx.Request.Context(), source)
		if err != nil {
			ctx.JSON(statusOf(err), Error{Error: err.Error(), Kind: extract.Kind(err)})
			return
		}

		ctx.JSON(http.StatusOK, l)
	}
}

var apiExtractHandler = func(e Extractor) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req ExtractRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}

		rep, err := e.ProcessSource(ctx.Request.Context(), req.Source)
		if err != nil {
			ctx.JSON(statusOf(err), Error{Error: err.Error(), Kind: extract.Kind(err)})
			return
		}

		ctx.JSON(http.StatusOK, rep)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, torrent.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, torrent.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, torrent.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, torrent.ErrIllegalTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// apiLogHandler returns the last 64KiB of the log file.
var apiLogHandler = func(path string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if path == "" {
			ctx.JSON(http.StatusNotFound, Error{Error: "logging to a file is disabled"})
			return
		}

		f, err := os.Open(path)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}

		max := math.Max(float64(-fi.Size()), -1024*8*8)
		_, err = f.Seek(int64(max), io.SeekEnd)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}

		var b bytes.Buffer
		if _, err := b.ReadFrom(f); err != nil {
			ctx.JSON(http.StatusBadRequest, Error{Error: err.Error()})
			return
		}
		ctx.Data(http.StatusOK, "text/plain; charset=utf-8", b.Bytes())
	}
}
