package canonical

import "regexp"

// trackingParams match whole "key=value" query parameters that carry session
// or campaign state rather than identifying content.
var trackingParams = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^jsessionid=[0-9a-z$]{10,}$`),
	regexp.MustCompile(`(?i)^phpsessid=[0-9a-z]{16,}$`),
	regexp.MustCompile(`(?i)^sid=[0-9a-z]{32}$`),
	regexp.MustCompile(`(?i)^aspsessionid[a-z]{8}=[a-z]{24}$`),
	regexp.MustCompile(`(?i)^utm_[a-z_]*=`),
	regexp.MustCompile(`(?i)^sms_ss=`),
	regexp.MustCompile(`(?i)^awesm=`),
	regexp.MustCompile(`(?i)^xtor=`),
}

// ColdFusion session params only identify a session when both are present.
var (
	cfidParam    = regexp.MustCompile(`(?i)^cfid=[0-9]+$`)
	cftokenParam = regexp.MustCompile(`(?i)^cftoken=[0-9a-z-]+$`)
)

func removeTrackingParams(params []string) []string {
	hasCFID, hasCFToken := false, false
	for _, p := range params {
		hasCFID = hasCFID || cfidParam.MatchString(p)
		hasCFToken = hasCFToken || cftokenParam.MatchString(p)
	}
	dropColdFusion := hasCFID && hasCFToken

	out := make([]string, 0, len(params))
	for _, p := range params {
		if dropColdFusion && (cfidParam.MatchString(p) || cftokenParam.MatchString(p)) {
			continue
		}
		if isTrackingParam(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func isTrackingParam(p string) bool {
	for _, re := range trackingParams {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}
