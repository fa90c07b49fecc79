package feature

import "errors"

var (
	ErrAnalyzer      = errors.New("analysis failed")
	ErrNoAnalyzerURL = errors.New("analyzer url is empty, set ANALYZER_URL")
)
