package policy

import (
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-flowguard/internal/capability"
	"github.com/xela07ax/spaceai-flowguard/internal/domain"
	"github.com/xela07ax/spaceai-flowguard/internal/risk"
)

// Имена встроенных политик.
const (
	NameCapabilitySufficiency = "capability_sufficiency"
	NameEmailDomain           = "email_domain"
	NameContentSanitization   = "content_sanitization"
	NameAttachment            = "attachment"
)

// CapabilitySufficiency — глобальная политика: capabilities каждого аргумента
// должны быть надмножеством требований инструмента к этому параметру.
func CapabilitySufficiency() Registration {
	return Registration{
		Name:  NameCapabilitySufficiency,
		Tools: []string{domain.AllTools},
		Predicate: func(in Input) (domain.Decision, string) {
			var problems []string
			for _, param := range sortedKeys(in.Required) {
				req := in.Required[param]
				if req.Len() == 0 {
					continue
				}
				node, ok := in.Args[param]
				if !ok || node == nil {
					problems = append(problems, fmt.Sprintf("%s: missing argument (requires %s)", param, req))
					continue
				}
				if missing := capability.Missing(node.Capabilities(), req); len(missing) > 0 {
					problems = append(problems, fmt.Sprintf("%s: missing %s", param, strings.Join(missing, ", ")))
				}
			}
			if len(problems) > 0 {
				return domain.DecisionFail, strings.Join(problems, "; ")
			}
			return domain.DecisionPass, ""
		},
	}
}

// EmailDomainConfig — список доверенных доменов и где их проверять.
type EmailDomainConfig struct {
	Domains []string
	Tools   []string // по умолчанию send_email
	Params  []string // по умолчанию recipient, to, cc
}

// EmailDomain выдаёт trusted_email адресам из доверенных доменов в момент первого
// связывания сырого значения и отклоняет вызовы почтовых инструментов с чужим получателем.
func EmailDomain(cfg EmailDomainConfig) Registration {
	allowed := make(map[string]bool, len(cfg.Domains))
	for _, d := range cfg.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			allowed[d] = true
		}
	}
	tools := cfg.Tools
	if len(tools) == 0 {
		tools = []string{"send_email"}
	}
	params := cfg.Params
	if len(params) == 0 {
		params = []string{"recipient", "to", "cc"}
	}

	trusted := func(value any) (string, bool) {
		s, ok := value.(string)
		if !ok {
			return "", false
		}
		d, ok := emailDomain(s)
		if !ok {
			return "", false
		}
		return d, allowed[d]
	}

	return Registration{
		Name:  NameEmailDomain,
		Tools: tools,
		Labeler: LabelerFunc(func(_ string, value any) Label {
			if _, ok := trusted(value); ok {
				return Label{Grant: capability.New(capability.TrustedEmail)}
			}
			return Label{}
		}),
		Predicate: func(in Input) (domain.Decision, string) {
			checked := false
			for _, p := range params {
				node, ok := in.Args[p]
				if !ok {
					continue
				}
				checked = true
				d, ok := trusted(node.Value())
				if !ok {
					if d == "" {
						return domain.DecisionFail, fmt.Sprintf("%s: not a valid email address", p)
					}
					return domain.DecisionFail, fmt.Sprintf("%s: domain %q is not trusted", p, d)
				}
			}
			if !checked {
				return domain.DecisionNotApplicable, ""
			}
			return domain.DecisionPass, ""
		},
	}
}

// emailDomain разбирает адрес (допускается форма "Name <a@b>") и возвращает домен в нижнем регистре.
func emailDomain(s string) (string, bool) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 || at == len(addr.Address)-1 {
		return "", false
	}
	return strings.ToLower(addr.Address[at+1:]), true
}

// ContentSanitization помечает значения с шаблонами инъекций как требующие санитизации
// и отклоняет вызовы, где такой аргумент не прошёл через санитайзер.
func ContentSanitization(analyzer *risk.Analyzer, tools []string) Registration {
	if len(tools) == 0 {
		tools = []string{domain.AllTools}
	}
	return Registration{
		Name:  NameContentSanitization,
		Tools: tools,
		Labeler: LabelerFunc(func(_ string, value any) Label {
			if analyzer.Scan(value).Flagged {
				return Label{RequiresSanitization: true}
			}
			return Label{}
		}),
		Predicate: func(in Input) (domain.Decision, string) {
			if in.Sanitizer {
				return domain.DecisionNotApplicable, ""
			}
			var flagged []string
			for _, p := range in.Params() {
				node := in.Args[p]
				if node.RequiresSanitization() && !node.Has(capability.Sanitized) {
					flagged = append(flagged, p)
				}
			}
			if len(flagged) > 0 {
				return domain.DecisionFail, "unsanitized input in " + strings.Join(flagged, ", ")
			}
			return domain.DecisionPass, ""
		},
	}
}

// DefaultForbiddenExtensions — исполняемые вложения.
var DefaultForbiddenExtensions = []string{".exe", ".bat", ".sh", ".js"}

// Attachment запрещает вложения с исполняемыми расширениями.
func Attachment(extensions []string, tools []string) Registration {
	if len(extensions) == 0 {
		extensions = DefaultForbiddenExtensions
	}
	if len(tools) == 0 {
		tools = []string{"send_email"}
	}
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	params := []string{"document", "attachment"}

	return Registration{
		Name:  NameAttachment,
		Tools: tools,
		Predicate: func(in Input) (domain.Decision, string) {
			checked := false
			for _, p := range params {
				node, ok := in.Args[p]
				if !ok {
					continue
				}
				checked = true
				name, ok := node.Value().(string)
				if !ok {
					continue
				}
				lower := strings.ToLower(strings.TrimSpace(name))
				for _, e := range exts {
					if strings.HasSuffix(lower, e) {
						return domain.DecisionFail, fmt.Sprintf("%s: extension %s is forbidden", p, e)
					}
				}
			}
			if !checked {
				return domain.DecisionNotApplicable, ""
			}
			return domain.DecisionPass, ""
		},
	}
}

func sortedKeys(m map[string]capability.Set) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
