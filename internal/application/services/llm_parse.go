package services

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	codeFencePattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

	errNoJSONObject = errors.New("no JSON object in model output")
)

// decodeModelJSON pulls the first JSON object out of free-form model output
// and decodes it into out. Model output is untrusted, so anything that does
// not decode is an error the caller must fall back from.
func decodeModelJSON(raw string, out interface{}) error {
	text := strings.TrimSpace(raw)
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	obj := jsonObjectPattern.FindString(text)
	if obj == "" {
		return errNoJSONObject
	}
	dec := json.NewDecoder(strings.NewReader(obj))
	dec.UseNumber()
	return dec.Decode(out)
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
