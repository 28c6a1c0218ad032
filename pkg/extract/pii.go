package extract

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/ajitpratap0/atlas/pkg/models"
)

// PII categories.
const (
	CategoryNationalID  = "national_id"
	CategoryCreditCard  = "credit_card"
	CategoryEmail       = "email"
	CategoryPhone       = "phone"
	CategoryAddress     = "address"
	CategoryDateOfBirth = "date_of_birth"
	CategoryPersonName  = "person_name"
	CategoryIPAddress   = "ip_address"
	CategoryName        = "name"
)

// Confidence of a finding by evidence.
const (
	confidenceNameOnly  = 0.5
	confidenceValueOnly = 0.75
	confidenceBoth      = 0.95

	// share of non-null sampled values that must match a value rule
	valueMatchThreshold = 0.5
)

type piiRule struct {
	category string
	risk     models.PIIRisk
	// tokens match a single word of the normalized field name
	tokens []string
	// phrases match a run of words (e.g. "first_name" in "customer_first_name")
	phrases []string
	// value reports whether one sampled value looks like this category
	value func(string) bool
}

var (
	emailPattern   = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	ssnPattern     = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	phonePattern   = regexp.MustCompile(`^\+?\(?\d{1,4}\)?[\s.\-]?\d{2,4}[\s.\-]?\d{3,4}([\s.\-]?\d{1,4})?$`)
	cardPattern    = regexp.MustCompile(`^\d(?:[ \-]?\d){12,18}$`)
	addressPattern = regexp.MustCompile(`(?i)^\d{1,6}\s+[\w.]+(\s+[\w.]+)*\s+(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|way|court|ct|place|pl)\.?(,.*)?$`)
)

var piiRules = []piiRule{
	{
		category: CategoryNationalID,
		risk:     models.PIIRiskHigh,
		tokens:   []string{"ssn", "nin", "aadhaar", "passport"},
		phrases:  []string{"social_security", "national_id", "tax_id", "passport_number"},
		value:    ssnPattern.MatchString,
	},
	{
		category: CategoryCreditCard,
		risk:     models.PIIRiskHigh,
		tokens:   []string{"ccn", "pan"},
		phrases:  []string{"credit_card", "card_number", "cc_number", "card_no"},
		value:    looksLikeCard,
	},
	{
		category: CategoryEmail,
		risk:     models.PIIRiskMedium,
		tokens:   []string{"email", "mail"},
		phrases:  []string{"e_mail"},
		value:    emailPattern.MatchString,
	},
	{
		category: CategoryPhone,
		risk:     models.PIIRiskMedium,
		tokens:   []string{"phone", "mobile", "telephone", "msisdn", "fax"},
		phrases:  []string{"cell_number", "phone_number"},
		value:    looksLikePhone,
	},
	{
		category: CategoryDateOfBirth,
		risk:     models.PIIRiskMedium,
		tokens:   []string{"dob", "birthday", "birthdate"},
		phrases:  []string{"date_of_birth", "birth_date"},
	},
	{
		category: CategoryAddress,
		risk:     models.PIIRiskMedium,
		tokens:   []string{"address", "street", "zipcode", "postcode"},
		phrases:  []string{"postal_code", "zip_code", "home_address"},
		value:    addressPattern.MatchString,
	},
	{
		category: CategoryPersonName,
		risk:     models.PIIRiskMedium,
		tokens:   []string{"firstname", "lastname", "fullname", "surname"},
		phrases:  []string{"first_name", "last_name", "full_name", "given_name", "family_name", "middle_name", "maiden_name"},
	},
	{
		category: CategoryIPAddress,
		risk:     models.PIIRiskLow,
		tokens:   []string{"ip", "ipv4", "ipv6"},
		phrases:  []string{"ip_address", "remote_addr", "client_ip"},
		value:    looksLikeIP,
	},
}

// PIIFinding is one category detected on one field.
type PIIFinding struct {
	Field      string
	Category   string
	Risk       models.PIIRisk
	Confidence float64
}

// PIIReport is the classification of an asset.
type PIIReport struct {
	Risk       models.PIIRisk
	Confidence float64
	Findings   []PIIFinding
	// ValuesInspected is false when only field names were available
	ValuesInspected bool
}

// Categories returns the distinct categories found, sorted.
func (r PIIReport) Categories() []string {
	seen := make(map[string]struct{})
	for _, f := range r.Findings {
		seen[f.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Fields returns "field:category" pairs for every finding, sorted.
func (r PIIReport) Fields() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Field+":"+f.Category)
	}
	sort.Strings(out)
	return out
}

// ClassifyPII applies the rule set to field names and, when rows are given,
// to sampled values. The asset risk is the highest risk of any finding.
// With neither a schema nor rows the risk is unknown. When nothing matches
// the risk is none, at lower confidence if only names were inspected.
func ClassifyPII(schema []models.Field, rows []map[string]any) PIIReport {
	names := make([]string, 0, len(schema))
	for _, f := range schema {
		names = append(names, f.Name)
	}
	if len(names) == 0 {
		names = Columns(nil, rows)
	}
	if len(names) == 0 {
		return PIIReport{Risk: models.PIIRiskUnknown}
	}

	rep := PIIReport{Risk: models.PIIRiskNone, ValuesInspected: len(rows) > 0}
	for _, name := range names {
		if f, ok := classifyField(name, stringValues(name, rows)); ok {
			rep.Findings = append(rep.Findings, f)
		}
	}

	for _, f := range rep.Findings {
		switch {
		case f.Risk != rep.Risk && models.MaxRisk(f.Risk, rep.Risk) == f.Risk:
			rep.Risk, rep.Confidence = f.Risk, f.Confidence
		case f.Risk == rep.Risk && f.Confidence > rep.Confidence:
			rep.Confidence = f.Confidence
		}
	}
	if len(rep.Findings) == 0 {
		rep.Confidence = confidenceNameOnly
		if rep.ValuesInspected {
			rep.Confidence = confidenceValueOnly
		}
	}
	return rep
}

// classifyField returns the riskiest category matching a field by name
// phrase, name token or sampled values. Words consumed by a matched phrase
// do not count as tokens, so "ip_address" is not an address. Among rules of
// equal risk a phrase match is the most specific and wins.
func classifyField(name string, values []string) (PIIFinding, bool) {
	words := nameWords(name)
	joined := "_" + strings.Join(words, "_") + "_"

	phraseHit := make([]bool, len(piiRules))
	consumed := make(map[string]bool)
	for i, rule := range piiRules {
		for _, p := range rule.phrases {
			if strings.Contains(joined, "_"+p+"_") {
				phraseHit[i] = true
				for _, w := range strings.Split(p, "_") {
					consumed[w] = true
				}
			}
		}
	}
	free := make([]string, 0, len(words))
	for _, w := range words {
		if !consumed[w] {
			free = append(free, w)
		}
	}

	best, bestPhrase, bestByName, bestByValue := -1, false, false, false
	for i, rule := range piiRules {
		byToken := rule.matchesToken(free)
		byValue := rule.matchesValues(values)
		if !phraseHit[i] && !byToken && !byValue {
			continue
		}
		if best >= 0 {
			cur := piiRules[best].risk
			higher := rule.risk != cur && models.MaxRisk(rule.risk, cur) == rule.risk
			moreSpecific := rule.risk == cur && phraseHit[i] && !bestPhrase
			if !higher && !moreSpecific {
				continue
			}
		}
		best, bestPhrase = i, phraseHit[i]
		bestByName, bestByValue = phraseHit[i] || byToken, byValue
	}
	if best < 0 {
		if len(words) == 1 && words[0] == "name" {
			return PIIFinding{Field: name, Category: CategoryName, Risk: models.PIIRiskLow, Confidence: confidenceNameOnly}, true
		}
		return PIIFinding{}, false
	}

	rule := piiRules[best]
	conf := confidenceNameOnly
	switch {
	case bestByName && bestByValue:
		conf = confidenceBoth
	case bestByValue:
		conf = confidenceValueOnly
	}
	return PIIFinding{Field: name, Category: rule.category, Risk: rule.risk, Confidence: conf}, true
}

func (r piiRule) matchesToken(words []string) bool {
	for _, w := range words {
		for _, t := range r.tokens {
			if w == t {
				return true
			}
		}
	}
	return false
}

func (r piiRule) matchesValues(values []string) bool {
	if r.value == nil || len(values) == 0 {
		return false
	}
	n := 0
	for _, v := range values {
		if r.value(v) {
			n++
		}
	}
	return n > 0 && float64(n)/float64(len(values)) >= valueMatchThreshold
}

// nameWords splits a field name into lowercase words at camelCase
// boundaries and at non-alphanumeric runes.
func nameWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) ||
			(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

func stringValues(column string, rows []map[string]any) []string {
	var out []string
	for _, r := range rows {
		switch v := r[column].(type) {
		case nil:
		case string:
			if s := strings.TrimSpace(v); s != "" {
				out = append(out, s)
			}
		case int64:
			out = append(out, strconv.FormatInt(v, 10))
		case int:
			out = append(out, strconv.Itoa(v))
		case float64:
			if v == float64(int64(v)) {
				out = append(out, strconv.FormatInt(int64(v), 10))
			}
		case []byte, map[string]any, []any:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}

func looksLikeCard(s string) bool {
	if !cardPattern.MatchString(s) {
		return false
	}
	digits := make([]int, 0, 19)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	return luhn(digits)
}

func luhn(digits []int) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func looksLikePhone(s string) bool {
	if !phonePattern.MatchString(s) {
		return false
	}
	// bare digit runs are ids, not phone numbers
	if !strings.ContainsAny(s, "+-. ()") {
		return false
	}
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n >= 7 && n <= 15
}

func looksLikeIP(s string) bool {
	if !strings.ContainsAny(s, ".:") {
		return false
	}
	return net.ParseIP(s) != nil
}
