package captcha

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version identifies the challenge type the remote service should solve.
// It is encoded on the wire as an integer.
type Version int

const (
	ReCaptchaV2Checkbox Version = iota
	ReCaptchaV2Invisible
	ReCaptchaV3
	HCaptchaCheckbox
	HCaptchaInvisible
	GeeTest
	ReCaptchaV3Enterprise
	ReCaptchaV2Enterprise
	FunCaptcha
	GeeTestV4
	TextImageCaptcha
	DataDomeSlider
	CloudflareTurnstile
	DataDomeSplash
	CloudflareSplash
)

var versionNames = [...]string{
	ReCaptchaV2Checkbox:   "recaptcha_v2_checkbox",
	ReCaptchaV2Invisible:  "recaptcha_v2_invisible",
	ReCaptchaV3:           "recaptcha_v3",
	HCaptchaCheckbox:      "hcaptcha_checkbox",
	HCaptchaInvisible:     "hcaptcha_invisible",
	GeeTest:               "geetest",
	ReCaptchaV3Enterprise: "recaptcha_v3_enterprise",
	ReCaptchaV2Enterprise: "recaptcha_v2_enterprise",
	FunCaptcha:            "funcaptcha",
	GeeTestV4:             "geetest_v4",
	TextImageCaptcha:      "text_image_captcha",
	DataDomeSlider:        "datadome_slider",
	CloudflareTurnstile:   "cloudflare_turnstile",
	DataDomeSplash:        "datadome_splash",
	CloudflareSplash:      "cloudflare_splash",
}

func (v Version) Valid() bool {
	return v >= ReCaptchaV2Checkbox && v <= CloudflareSplash
}

func (v Version) String() string {
	if !v.Valid() {
		return "version(" + strconv.Itoa(int(v)) + ")"
	}
	return versionNames[v]
}

// ParseVersion accepts either the snake_case name or the integer code.
func ParseVersion(value string) (Version, error) {
	raw := strings.TrimSpace(strings.ToLower(value))
	if raw == "" {
		return 0, fmt.Errorf("captcha version is required")
	}
	if code, err := strconv.Atoi(raw); err == nil {
		v := Version(code)
		if !v.Valid() {
			return 0, fmt.Errorf("unknown captcha version %d", code)
		}
		return v, nil
	}
	normalized := strings.ReplaceAll(raw, "-", "_")
	for idx, name := range versionNames {
		if name == normalized {
			return Version(idx), nil
		}
	}
	return 0, fmt.Errorf("unknown captcha version %q", value)
}

// UnmarshalJSON accepts the integer code or a quoted name. Out-of-range
// codes decode as-is; callers check Valid.
func (v *Version) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		parsed, err := ParseVersion(name)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("captcha version: %w", err)
	}
	*v = Version(code)
	return nil
}
