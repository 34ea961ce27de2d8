package insights

import (
	"fmt"
	"strings"
)

const dateSystemPrompt = `You are a thoughtful relationship coach helping couples plan meaningful dates.
Respond ONLY with a JSON object of the shape:
{"suggestions":[{"title":"","description":"","instructions":"","why_it_fits":"","budget":"","setting":"","energy":"","mood":"","local_tip":"","conversation_prompts":[""]}]}
Return exactly 3 suggestions. No markdown, no prose outside the JSON.`

func dateUserPrompt(filters DateFilters, location string) string {
	var b strings.Builder
	b.WriteString("Suggest date ideas for a couple.\n")
	if filters.Budget != "" {
		fmt.Fprintf(&b, "Budget: %s\n", filters.Budget)
	}
	if filters.Setting != "" {
		fmt.Fprintf(&b, "Setting: %s\n", filters.Setting)
	}
	if filters.Energy != "" {
		fmt.Fprintf(&b, "Energy level: %s\n", filters.Energy)
	}
	if location != "" {
		fmt.Fprintf(&b, "Location: %s (include a local tip when relevant)\n", location)
	}
	return b.String()
}

const triggerSystemPrompt = `You are a couples therapist analyzing how two conflict styles interact.
Respond ONLY with a JSON object of the shape:
{"dynamic_insights":[""],"potential_misunderstandings":[""],"growth_areas":[""]}
Each list holds 2-4 short, compassionate observations. No markdown.`

func triggerUserPrompt(profiles []TriggerProfile) string {
	var b strings.Builder
	b.WriteString("Analyze the dynamic between these partners:\n")
	for _, p := range profiles {
		fmt.Fprintf(&b, "- %s: conflict style %q, stress response %q\n", p.Label, p.ConflictStyle, p.StressResponse)
	}
	return b.String()
}

const visionSystemPrompt = `You help couples turn a shared dream into a vision-board entry.
Respond ONLY with a JSON object of the shape:
{"image_prompt":"","title":"","description":""}
The image_prompt should describe a warm, hopeful scene suitable for image generation. No markdown.`

func visionUserPrompt(req VisionRequest) string {
	return fmt.Sprintf("Shared dream: %s\nTimeframe: %s\n", req.Description, req.Timeframe)
}

const conversationSystemPrompt = `You are a relationship coach reflecting on a couple's conversation.
Respond ONLY with a JSON object of the shape:
{"summary":"","themes":[""],"suggested_activities":[""],"conversation_starters":[""],"reflection_prompts":[""]}
Keep the tone warm and non-judgmental. No markdown.`

func conversationUserPrompt(req ConversationRequest) string {
	return "Conversation transcript:\n" + req.Transcript
}
