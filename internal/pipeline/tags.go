package pipeline

import (
	"regexp"
	"sort"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
)

type tagRule struct {
	tag      string
	patterns []*regexp.Regexp
}

func words(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + expr + `)\b`)
}

// taxonomy is the fixed tag vocabulary. "go" and "ai" are kept
// narrow because both are common English words.
var taxonomy = []tagRule{
	{"javascript", []*regexp.Regexp{words(`javascript|js|ecmascript`)}},
	{"typescript", []*regexp.Regexp{words(`typescript|ts`)}},
	{"react", []*regexp.Regexp{words(`react|reactjs|react\.js|react native`)}},
	{"vue", []*regexp.Regexp{words(`vue|vuejs|vue\.js|nuxt`)}},
	{"angular", []*regexp.Regexp{words(`angular|angularjs`)}},
	{"svelte", []*regexp.Regexp{words(`svelte|sveltekit`)}},
	{"nextjs", []*regexp.Regexp{words(`next\.js|nextjs`)}},
	{"nodejs", []*regexp.Regexp{words(`node\.js|nodejs|node|deno|bun`)}},
	{"python", []*regexp.Regexp{words(`python|pydata|pycon|pandas`)}},
	{"django", []*regexp.Regexp{words(`django`)}},
	{"go", []*regexp.Regexp{
		words(`golang|gophercon`),
		regexp.MustCompile(`(?i)\bgo\s+(?:programming|language|lang|developers?|devs?|gophers?|community|meetup|conference|workshop|1\.\d+)\b`),
	}},
	{"rust", []*regexp.Regexp{words(`rust|rustlang|rustacean|rustaceans`)}},
	{"java", []*regexp.Regexp{words(`java|jvm|spring boot`)}},
	{"kotlin", []*regexp.Regexp{words(`kotlin`)}},
	{"swift", []*regexp.Regexp{words(`swift|swiftui`)}},
	{"ruby", []*regexp.Regexp{words(`ruby|rails|ruby on rails`)}},
	{"php", []*regexp.Regexp{words(`php|laravel|symfony`)}},
	{"dotnet", []*regexp.Regexp{words(`dotnet|csharp|fsharp`), regexp.MustCompile(`(?i)(?:\b[cf]#|\.net\b)`)}},
	{"cpp", []*regexp.Regexp{regexp.MustCompile(`(?i)\bc\+\+|\bcpp\b`)}},
	{"ai", []*regexp.Regexp{
		regexp.MustCompile(`\bAI\b`),
		words(`genai|artificial intelligence|generative ai`),
	}},
	{"ml", []*regexp.Regexp{regexp.MustCompile(`\bML\b`), words(`machine learning|mlops|deep learning|pytorch|tensorflow`)}},
	{"llm", []*regexp.Regexp{words(`llms?|large language models?|gpt|rag|langchain|prompt engineering`)}},
	{"data", []*regexp.Regexp{words(`data science|data engineering|data engineers?|data analytics|big data|dbt|analytics engineering`)}},
	{"devops", []*regexp.Regexp{words(`devops|sre|site reliability|ci/cd|platform engineering`)}},
	{"kubernetes", []*regexp.Regexp{words(`kubernetes|k8s|kubecon|helm`)}},
	{"docker", []*regexp.Regexp{words(`docker|containers?`)}},
	{"cloud", []*regexp.Regexp{words(`cloud|aws|amazon web services|gcp|google cloud|azure|serverless`)}},
	{"security", []*regexp.Regexp{words(`security|cybersecurity|infosec|appsec|owasp|pentest(?:ing)?`)}},
	{"blockchain", []*regexp.Regexp{words(`blockchain|web3|crypto|ethereum|solidity`)}},
	{"mobile", []*regexp.Regexp{words(`mobile|ios|android|flutter`)}},
	{"design", []*regexp.Regexp{words(`ux|ui/ux|product design|figma|design systems?`)}},
	{"database", []*regexp.Regexp{words(`database|databases|postgres|postgresql|mysql|mongodb|redis|sql`)}},
	{"graphql", []*regexp.Regexp{words(`graphql`)}},
	{"opensource", []*regexp.Regexp{words(`open source|open-source|oss`)}},
}

// ExtractTags returns the sorted, de-duplicated tags found in text.
func ExtractTags(text string) []string {
	found := make(map[string]struct{})
	for _, rule := range taxonomy {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				found[rule.tag] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(found))
	for tag := range found {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

type typeRule struct {
	eventType discovery.EventType
	pattern   *regexp.Regexp
}

// typeRules are ordered by precedence.
var typeRules = []typeRule{
	{discovery.EventTypeHackathon, words(`hackathon|hackathons|hack night|hack day|hackday|buildathon|game jam`)},
	{discovery.EventTypeConference, words(`conference|conf|summit|symposium|convention|expo|devcon|forum`)},
	{discovery.EventTypeWorkshop, words(`workshop|workshops|bootcamp|hands-on|training|masterclass|tutorial|course|lab`)},
	{discovery.EventTypeMeetup, words(`meetup|meetups|meet-up|user group|tech talks?|lightning talks?|monthly gathering`)},
	{discovery.EventTypeNetworking, words(`networking|mixer|happy hour|social|coffee|drinks|meet and greet`)},
}

// Classify assigns an event type from keywords, defaulting to workshop.
func Classify(text string) discovery.EventType {
	for _, rule := range typeRules {
		if rule.pattern.MatchString(text) {
			return rule.eventType
		}
	}
	return discovery.EventTypeWorkshop
}
