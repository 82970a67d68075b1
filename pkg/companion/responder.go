package companion

import (
	"context"
	"strings"
	"unicode"
)

// Context carries what a Responder may use besides the prompt.
type Context struct {
	Language string
	Emotion  string
}

// Responder produces the companion's reply to a message.
type Responder interface {
	GenerateResponse(ctx context.Context, prompt string, rc Context) (string, error)
}

// Template keys
const (
	templateGreeting      = "greeting"
	templateEmpathy       = "empathy"
	templateEncouragement = "encouragement"
	templateCrisis        = "crisis"
	templateDailyCheck    = "daily_check"
	templateMoodSupport   = "mood_support"
)

var templates = map[string]map[string]string{
	"en": {
		templateGreeting:      "Hello! I'm your AI mental health companion. How are you feeling today?",
		templateEmpathy:       "I understand that you're going through a difficult time. Your feelings are valid.",
		templateEncouragement: "You're taking a positive step by talking about this. I'm here to support you.",
		templateCrisis:        "I'm concerned about what you've shared. Let's connect you with immediate professional help.",
		templateDailyCheck:    "Tell me about your day. What moments stood out to you?",
		templateMoodSupport:   "It sounds like you're experiencing some challenging emotions. Would you like to explore some coping strategies?",
	},
	"hi": {
		templateGreeting:      "नमस्ते! मैं आपका AI मानसिक स्वास्थ्य साथी हूँ। आज आप कैसा महसूस कर रहे हैं?",
		templateEmpathy:       "मैं समझ सकता हूँ कि आप एक कठिन समय से गुजर रहे हैं। आपकी भावनाएं वैध हैं।",
		templateEncouragement: "इस बारे में बात करके आप एक सकारात्मक कदम उठा रहे हैं। मैं आपका साथ देने के लिए यहाँ हूँ।",
		templateCrisis:        "आपने जो साझा किया है उससे मैं चिंतित हूँ। आइए आपको तुरंत पेशेवर मदद से जोड़ते हैं।",
		templateDailyCheck:    "मुझे अपने दिन के बारे में बताएं। कौन से पल आपके लिए खास थे?",
		templateMoodSupport:   "लगता है आप कुछ चुनौतीपूर्ण भावनाओं का सामना कर रहे हैं। क्या आप कुछ मुकाबला रणनीतियों का पता लगाना चाहेंगे?",
	},
	"es": {
		templateGreeting:      "¡Hola! Soy tu compañero de IA para la salud mental. ¿Cómo te sientes hoy?",
		templateEmpathy:       "Entiendo que estás pasando por un momento difícil. Tus sentimientos son válidos.",
		templateEncouragement: "Estás dando un paso positivo al hablar de esto. Estoy aquí para apoyarte.",
		templateCrisis:        "Me preocupa lo que has compartido. Conectemos contigo con ayuda profesional inmediata.",
		templateDailyCheck:    "Cuéntame sobre tu día. ¿Qué momentos te llamaron la atención?",
		templateMoodSupport:   "Parece que estás experimentando algunas emociones desafiantes. ¿Te gustaría explorar algunas estrategias de afrontamiento?",
	},
}

// Routing order. Crisis is first so a message that also greets still
// reaches the crisis reply.
var routes = []struct {
	template string
	triggers []string
}{
	{templateCrisis, []string{"suicide", "kill myself", "आत्महत्या", "suicidio"}},
	{templateGreeting, []string{"hello", "hi", "नमस्ते", "hola"}},
	{templateEmpathy, []string{"sad", "depressed", "उदास", "triste"}},
	{templateEncouragement, []string{"help", "support", "मदद", "ayuda"}},
	{templateDailyCheck, []string{"day", "today", "दिन", "día"}},
}

// TemplateResponder answers with canned replies in the user's language.
type TemplateResponder struct{}

// GenerateResponse implements Responder. Unsupported languages use English.
func (TemplateResponder) GenerateResponse(ctx context.Context, prompt string, rc Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	set, ok := templates[rc.Language]
	if !ok {
		set = templates["en"]
	}
	return set[route(prompt)], nil
}

// IsCrisis reports whether text contains a crisis trigger in any supported language.
func IsCrisis(text string) bool {
	return route(text) == templateCrisis
}

func route(text string) string {
	words := normalize(text)
	for _, r := range routes {
		for _, trig := range r.triggers {
			if strings.Contains(words, " "+trig+" ") {
				return r.template
			}
		}
	}
	return templateMoodSupport
}

// normalize lowercases text and rewrites it as space-separated words with a
// leading and trailing space, so triggers match whole words only ("hi" does
// not match "this"). Combining marks stay inside words for Devanagari.
func normalize(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsMark(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}
