package httpapi

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
)

// HumanPayload is a union of the wire types used by the HTTP API, tagged
// with a go/types kind.  It exists so handlers can say "reply with this
// float" without hand-rolling JSON at every call site.
type HumanPayload struct {
	T      types.BasicKind
	Int    int
	Float  float64
	Bool   bool
	String string
}

// EncodeAndRespond writes the payload as a single-key JSON object, e.g.
// {"f64": 3.14}.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var (
		obj interface{}
		err error
	)
	switch hp.T {
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		err = fmt.Errorf("httpapi: unmapped payload kind %v", hp.T)
	}
	if err == nil {
		err = json.NewEncoder(w).Encode(obj)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// FloatT is the float64 wire type.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is the int wire type.
type IntT struct {
	Int int `json:"int"`
}

// BoolT is the bool wire type.
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is the string wire type.
type StrT struct {
	Str string `json:"str"`
}
