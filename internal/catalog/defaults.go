package catalog

// defaultModels mirrors the aggregator's published model list. The first
// non-premium variant of each family is what free users get by default.
var defaultModels = []Model{
	{
		Name: "GPT",
		Icon: "/gpt.png",
		SubModels: []SubModel{
			{ID: "gpt-3.5", Name: "GPT 3.5"},
			{ID: "gpt-3.5-turbo", Name: "GPT 3.5 Turbo", Premium: true},
			{ID: "gpt-4.1-mini", Name: "GPT 4.1 Mini", Premium: true},
			{ID: "gpt-4.1", Name: "GPT 4.1", Premium: true},
			{ID: "gpt-5-nano", Name: "GPT 5 Nano", Premium: true},
			{ID: "gpt-5-mini", Name: "GPT 5 Mini", Premium: true},
			{ID: "gpt-5", Name: "GPT 5", Premium: true},
		},
	},
	{
		Name: "Gemini",
		Icon: "/gemini.png",
		SubModels: []SubModel{
			{ID: "gemini-2.5-lite", Name: "Gemini 2.5 Lite"},
			{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Premium: true},
			{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Premium: true},
		},
	},
	{
		Name: "DeepSeek",
		Icon: "/deepseek.png",
		SubModels: []SubModel{
			{ID: "DeepSeek-R1", Name: "DeepSeek R1"},
			{ID: "DeepSeek-R1-0528", Name: "DeepSeek R1 0528", Premium: true},
		},
	},
	{
		Name: "Mistral",
		Icon: "/mistral.png",
		SubModels: []SubModel{
			{ID: "mistral-medium-2505", Name: "Mistral Medium 2505"},
			{ID: "mistral-small-2503", Name: "Mistral Small 2503", Premium: true},
		},
	},
	{
		Name: "Grok",
		Icon: "/grok.png",
		SubModels: []SubModel{
			{ID: "grok-3-mini", Name: "Grok 3 Mini"},
			{ID: "grok-3", Name: "Grok 3", Premium: true},
		},
	},
	{
		Name: "Cohere",
		Icon: "/cohere.png",
		SubModels: []SubModel{
			{ID: "cohere-command-a", Name: "Cohere Command A"},
			{ID: "cohere-command-r-08-2024", Name: "Cohere Command R", Premium: true},
		},
	},
	{
		Name: "Llama",
		Icon: "/llama.png",
		SubModels: []SubModel{
			{ID: "Llama-3.3-70B-Instruct", Name: "Llama 3.3 70B"},
			{ID: "Llama-4-Scout-17B-16E-Instruct", Name: "Llama 4 Scout", Premium: true},
		},
	},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return MustNew(defaultModels)
}
