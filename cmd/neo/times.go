package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseTimeArg accepts RFC3339 timestamps or English natural language
// ("yesterday 5pm", "last monday").
func parseTimeArg(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	r, err := timeParser.Parse(s, time.Now())
	if err != nil || r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q (use RFC3339 or natural language)", s)
	}
	return r.Time, nil
}
