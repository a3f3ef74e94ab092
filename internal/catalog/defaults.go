package catalog

// Defaults returns the built-in list of downloadable models. The first entry
// is the default artifact.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			DisplayName: "Phi-4-mini-q8(Q8_0, 4.06 GiB)",
			SourceURL:   "https://huggingface.co/unsloth/Phi-4-mini-instruct-GGUF/resolve/main/Phi-4-mini-instruct.Q8_0.gguf?download=true",
			Filename:    "Phi-4-mini-instruct.Q8_0.gguf",
		},
		{
			DisplayName: "Phi-4-mini-4bit(Q4_K_M, 2.5 GiB)",
			SourceURL:   "https://huggingface.co/unsloth/Phi-4-mini-instruct-GGUF/resolve/main/Phi-4-mini-instruct-Q4_K_M.gguf?download=true",
			Filename:    "Phi-4-mini-instruct.Q4_K_M.gguf",
		},
		{
			DisplayName: "Phi-4-mini-16bit(Q16, 7.7 GiB)",
			SourceURL:   "https://huggingface.co/unsloth/Phi-4-mini-instruct-GGUF/resolve/main/Phi-4-mini-instruct.BF16.gguf?download=true",
			Filename:    "Phi-4-mini-instruct.Q16.gguf",
		},
	}
}
