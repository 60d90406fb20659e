package safety

import "github.com/loomhq/loom/core"

// SubstituteResponse is the pre-approved text returned in place of generated
// content whenever a turn escalates. The raw generated content never reaches
// the caller.
type SubstituteResponse struct {
	Message   string          `json:"message"`
	Resources []core.Resource `json:"resources"`
}

// DefaultSubstitute returns the stock escalation response. Deployments
// localize or replace it; the workflow engine only requires that it exists.
func DefaultSubstitute() SubstituteResponse {
	return SubstituteResponse{
		Message: "It sounds like you might be going through something serious right now. " +
			"This experience isn't equipped to help with that, but support is available " +
			"and you deserve to talk with someone who can.",
		Resources: []core.Resource{
			{Name: "988 Suicide & Crisis Lifeline", Contact: "call or text 988", Note: "US, 24/7"},
			{Name: "Crisis Text Line", Contact: "text HOME to 741741", Note: "US, 24/7"},
			{Name: "International Association for Suicide Prevention", Contact: "https://www.iasp.info/resources/Crisis_Centres/"},
		},
	}
}
