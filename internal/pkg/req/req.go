/*
Package req provides helpers for decoding HTTP request bodies and query parameters into
application values, reporting failures as *errs.CustomError.
*/
package req

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"roomrelay/internal/pkg/errs"
)

// MaxBodyBytes caps every JSON request body.
const MaxBodyBytes int64 = 64 << 10

// BindJSON decodes the JSON body of r into dst. Unknown fields and trailing data are rejected.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}
	return decode(w, r, dst)
}

// BindOptionalJSON is BindJSON for endpoints whose body may be omitted entirely. dst is left
// untouched when the body is empty.
func BindOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return BindJSON(w, r, dst)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.NewError(errs.ErrInvalidParams)
		}
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	return nil
}

// QueryInt reads a non-negative integer query parameter, returning def when it is absent.
func QueryInt(r *http.Request, name string, def int) (int, *errs.CustomError) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.NewError(errs.ErrInvalidParams)
	}
	return n, nil
}
