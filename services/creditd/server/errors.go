package server

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "credx/native/common"
)

type problem struct {
	Code  string `json:"code"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

var (
	forbiddenCodes = map[string]struct{}{
		"UnauthorizedAdmin":         {},
		"UnauthorizedUser":          {},
		"UnauthorizedFeedAuthority": {},
	}
	notFoundCodes = map[string]struct{}{
		"ProtocolNotInitialized": {},
		"LoanNotFound":           {},
		"FeedNotFound":           {},
	}
	conflictCodes = map[string]struct{}{
		"ProtocolAlreadyInitialized": {},
		"LoanAlreadyInitialized":     {},
		"AssetAlreadyExists":         {},
		"FeedAlreadyExists":          {},
		"ProtocolLocked":             {},
		"LoanClosed":                 {},
	}
)

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	code := nativecommon.CodeOf(err)
	switch nativecommon.KindOf(err) {
	case nativecommon.KindValidation:
		if _, ok := forbiddenCodes[code]; ok {
			return http.StatusForbidden
		}
		if _, ok := notFoundCodes[code]; ok {
			return http.StatusNotFound
		}
		if _, ok := conflictCodes[code]; ok {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case nativecommon.KindArithmetic, nativecommon.KindSolvency:
		return http.StatusUnprocessableEntity
	case nativecommon.KindOracle:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var classified *nativecommon.Error
	if !errors.As(err, &classified) {
		writeJSON(w, http.StatusInternalServerError, problem{Code: "Internal", Kind: "internal", Error: "internal error"})
		return
	}
	writeJSON(w, statusFor(err), problem{Code: classified.Code, Kind: classified.Kind.String(), Error: classified.Message})
}

// writeProblem reports a transport-level failure that never reached the engine.
func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Code: code, Kind: "request", Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
