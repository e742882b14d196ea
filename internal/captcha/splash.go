package captcha

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SplashData is the payload carried in the token of CloudflareSplash and
// DataDomeSplash results.
type SplashData struct {
	CfClearance *string   `json:"cf_clearance"`
	CurrentURL  *string   `json:"currentUrl"`
	Challenge   Challenge `json:"challenge"`
}

type Challenge struct {
	RequestURL      string        `json:"requestUrl"`
	RequestHeaders  []HeaderValue `json:"requestHeaders"`
	ResponseURL     string        `json:"responseUrl"`
	ResponseHeaders []HeaderValue `json:"responseHeaders"`
}

type HeaderValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var ErrNoToken = errors.New("task result has no token")

func (r TaskResult) SplashData() (SplashData, error) {
	if r.Token == nil {
		return SplashData{}, ErrNoToken
	}
	var data SplashData
	if err := json.Unmarshal([]byte(*r.Token), &data); err != nil {
		return SplashData{}, fmt.Errorf("decode splash token for task %s: %w", r.TaskID, err)
	}
	return data, nil
}
