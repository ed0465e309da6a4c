package socrules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bebasset/threatsense/internal/domain/scans"
)

// winEvent is an event admitted into the evaluation window. Every rule below
// is a pure function over a []winEvent slice; an event may feed several rules
// at once, each rule answers a different question.
type winEvent struct {
	Event
	ts time.Time
}

var authFailureTypes = map[string]bool{
	"auth_failed":  true,
	"login_failed": true,
	"failed_login": true,
}

var adminActionTypes = map[string]bool{
	"admin_action":      true,
	"privileged_action": true,
}

var privilegeGrantTypes = map[string]bool{
	"user_role_changed": true,
	"admin_created":     true,
	"privilege_granted": true,
}

var authSuccessTypes = map[string]bool{
	"auth_success":  true,
	"login_success": true,
	"login_ok":      true,
}

const (
	unknownUser = "unknown_user"
	unknownIP   = "unknown_ip"
)

// detectBruteforceUserIP flags many failed logins for the same (user, ip)
// pair inside the window. One high finding per pair at or above threshold.
func detectBruteforceUserIP(events []winEvent, threshold int) []scans.FindingDraft {
	type key struct{ user, ip string }
	counts := make(map[key]int)
	for _, e := range events {
		if !authFailureTypes[e.EventType] {
			continue
		}
		counts[key{orDefault(e.User, unknownUser), orDefault(e.IP, unknownIP)}]++
	}

	keys := make([]key, 0, len(counts))
	for k, c := range counts {
		if c >= threshold {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].ip < keys[j].ip
	})

	var findings []scans.FindingDraft
	for _, k := range keys {
		findings = append(findings, scans.FindingDraft{
			Title:       fmt.Sprintf("Potential brute force against user %s", k.user),
			Severity:    string(scans.SeverityHigh),
			Category:    "soc.auth",
			Evidence:    fmt.Sprintf("%d failed login attempts for user=%s from ip=%s within the monitoring window.", counts[key{k.user, k.ip}], k.user, k.ip),
			Remediation: "Block/limit the source IP, enforce MFA, review account lockout policy, and investigate the user's account activity.",
		})
	}
	return findings
}

// detectPasswordSpray flags many failed logins from one IP across several
// users. Both conditions are required: total failures at/above threshold AND
// at least sprayMinDistinctUsers distinct targets.
func detectPasswordSpray(events []winEvent, threshold int) []scans.FindingDraft {
	counts := make(map[string]int)
	usersByIP := make(map[string]map[string]bool)
	for _, e := range events {
		if !authFailureTypes[e.EventType] {
			continue
		}
		ip := orDefault(e.IP, unknownIP)
		user := orDefault(e.User, unknownUser)
		counts[ip]++
		if usersByIP[ip] == nil {
			usersByIP[ip] = make(map[string]bool)
		}
		usersByIP[ip][user] = true
	}

	ips := make([]string, 0, len(counts))
	for ip, c := range counts {
		if c >= threshold && len(usersByIP[ip]) >= sprayMinDistinctUsers {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)

	var findings []scans.FindingDraft
	for _, ip := range ips {
		findings = append(findings, scans.FindingDraft{
			Title:       "Potential password spraying activity",
			Severity:    string(scans.SeverityHigh),
			Category:    "soc.auth",
			Evidence:    fmt.Sprintf("%d failed login attempts from ip=%s across %d distinct users within the monitoring window.", counts[ip], ip, len(usersByIP[ip])),
			Remediation: "Block/limit the IP, enforce MFA, enable conditional access, and review authentication logs for successful logins from the same IP.",
		})
	}
	return findings
}

// detectAdminBurst emits one medium finding when privileged-action volume
// reaches the threshold, with up to maxExamples brief descriptors.
func detectAdminBurst(events []winEvent, threshold int) []scans.FindingDraft {
	total := 0
	var examples []string
	for _, e := range events {
		if !adminActionTypes[e.EventType] {
			continue
		}
		total++
		if len(examples) < maxExamples {
			examples = append(examples, eventBrief(e.Event))
		}
	}
	if total < threshold {
		return nil
	}
	return []scans.FindingDraft{{
		Title:       "Burst of privileged/admin actions detected",
		Severity:    string(scans.SeverityMedium),
		Category:    "soc.privilege",
		Evidence:    fmt.Sprintf("%d privileged actions within the monitoring window. Examples: %s", total, strings.Join(examples, ", ")),
		Remediation: "Confirm changes are authorized. Review who performed the actions, validate MFA, and restrict admin roles to least privilege.",
	}}
}

// detectPrivilegeGrants matches explicit role-change event types plus a
// free-text fallback: an action mentioning "admin" together with "add" or
// "grant". One high finding listing up to maxExamples matches.
func detectPrivilegeGrants(events []winEvent) []scans.FindingDraft {
	var matches []string
	for _, e := range events {
		et := strings.ToLower(e.EventType)
		action := strings.ToLower(e.Action)
		textual := strings.Contains(action, "admin") && (strings.Contains(action, "add") || strings.Contains(action, "grant"))
		if privilegeGrantTypes[et] || textual {
			matches = append(matches, eventBrief(e.Event))
		}
	}
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > maxExamples {
		matches = matches[:maxExamples]
	}
	return []scans.FindingDraft{{
		Title:       "New admin/privilege grant event detected",
		Severity:    string(scans.SeverityHigh),
		Category:    "soc.privilege",
		Evidence:    fmt.Sprintf("Detected potential privilege escalation events. Examples: %s", strings.Join(matches, ", ")),
		Remediation: "Validate business justification, confirm change control ticket, review account security, and revert unauthorized privilege changes immediately.",
	}}
}

// detectSessionAnomaly is the impossible-travel-style hint: one user with
// successful logins from two or more distinct source IPs inside the window.
// Heuristic and best-effort, not a hard guarantee.
func detectSessionAnomaly(events []winEvent) []scans.FindingDraft {
	ipsByUser := make(map[string]map[string]bool)
	for _, e := range events {
		if !authSuccessTypes[e.EventType] {
			continue
		}
		user := orDefault(e.User, unknownUser)
		ip := orDefault(e.IP, unknownIP)
		if ipsByUser[user] == nil {
			ipsByUser[user] = make(map[string]bool)
		}
		ipsByUser[user][ip] = true
	}

	users := make([]string, 0, len(ipsByUser))
	for user, ips := range ipsByUser {
		if len(ips) >= 2 {
			users = append(users, user)
		}
	}
	sort.Strings(users)

	var findings []scans.FindingDraft
	for _, user := range users {
		ips := make([]string, 0, len(ipsByUser[user]))
		for ip := range ipsByUser[user] {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		if len(ips) > maxExamples {
			ips = ips[:maxExamples]
		}
		findings = append(findings, scans.FindingDraft{
			Title:       fmt.Sprintf("Session anomaly: logins for user %s from multiple sources", user),
			Severity:    string(scans.SeverityMedium),
			Category:    "soc.session",
			Evidence:    fmt.Sprintf("Successful logins for user=%s from %d distinct IPs within the monitoring window: %s.", user, len(ipsByUser[user]), strings.Join(ips, ", ")),
			Remediation: "Review user's session activity, enforce MFA, check conditional access policies, and reset credentials if suspicious.",
		})
	}
	return findings
}

func eventBrief(e Event) string {
	return fmt.Sprintf("%s:%s:%s@%s",
		orDefault(e.TS, "na"),
		orDefault(e.EventType, "na"),
		orDefault(e.User, "na"),
		orDefault(e.IP, "na"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
