package companion

// Helpline kinds
const (
	HelplineCrisis  = "crisis"
	HelplineSuicide = "suicide"
	HelplineGeneral = "general"
	HelplineText    = "text"
	HelplineWeb     = "web"
)

// Helpline is one support service. Contact is a phone number, a text
// instruction or a web address depending on Kind.
type Helpline struct {
	Name      string `json:"name"`
	Contact   string `json:"contact"`
	Available string `json:"available"`
	Kind      string `json:"kind"`
}

// Region groups the helplines of one country.
type Region struct {
	Name      string     `json:"name"`
	Helplines []Helpline `json:"helplines"`
}

// CrisisResources is what a user in crisis is shown.
type CrisisResources struct {
	Language string   `json:"language"`
	Message  string   `json:"message"`
	Regions  []Region `json:"regions"`
	Tips     []string `json:"tips"`
}

var (
	india = Region{Name: "India", Helplines: []Helpline{
		{Name: "KIRAN Mental Health", Contact: "1800-599-0019", Available: "24/7", Kind: HelplineCrisis},
		{Name: "AASRA Suicide Prevention", Contact: "91-22-27546669", Available: "24/7", Kind: HelplineSuicide},
		{Name: "Vandrevala Foundation", Contact: "1860-2662-345", Available: "24/7", Kind: HelplineGeneral},
	}}
	international = Region{Name: "International", Helplines: []Helpline{
		{Name: "Crisis Text Line", Contact: "Text HOME to 741741", Available: "24/7", Kind: HelplineText},
		{Name: "International Association for Suicide Prevention", Contact: "https://www.iasp.info/resources", Available: "24/7", Kind: HelplineWeb},
	}}
)

var crisisDirectory = map[string]CrisisResources{
	"en": {
		Message: "If you're having thoughts of self-harm or suicide, please reach out for help immediately. All calls are confidential and free.",
		Regions: []Region{india, international},
		Tips: []string{
			"Take slow, deep breaths",
			"Ground yourself: name 5 things you can see",
			"You are not alone in this",
			"This feeling will pass",
			"Reach out to someone you trust",
			"Consider professional help",
		},
	},
	"hi": {
		Message: "यदि आपके मन में खुद को नुकसान पहुँचाने या आत्महत्या के विचार आ रहे हैं, तो कृपया तुरंत मदद लें। सभी कॉल गोपनीय और निःशुल्क हैं।",
		Regions: []Region{india, international},
		Tips: []string{
			"धीमी, गहरी साँसें लें",
			"खुद को स्थिर करें: 5 चीज़ों के नाम बताएं जो आप देख सकते हैं",
			"आप इसमें अकेले नहीं हैं",
			"यह भावना गुजर जाएगी",
			"किसी भरोसेमंद व्यक्ति से संपर्क करें",
			"पेशेवर मदद लेने पर विचार करें",
		},
	},
	"es": {
		Message: "Si tienes pensamientos de hacerte daño o de suicidio, busca ayuda de inmediato. Todas las llamadas son confidenciales y gratuitas.",
		Regions: []Region{international, india},
		Tips: []string{
			"Respira lenta y profundamente",
			"Conéctate con el presente: nombra 5 cosas que puedas ver",
			"No estás solo en esto",
			"Este sentimiento pasará",
			"Habla con alguien de confianza",
			"Considera buscar ayuda profesional",
		},
	},
}

// ResourcesFor returns the crisis directory for lang, in English when the
// language is not supported.
func ResourcesFor(lang string) CrisisResources {
	res, ok := crisisDirectory[lang]
	if !ok {
		lang = "en"
		res = crisisDirectory[lang]
	}
	res.Language = lang
	res.Regions = append([]Region(nil), res.Regions...)
	res.Tips = append([]string(nil), res.Tips...)
	return res
}
