package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	llm "github.com/MegaGrindStone/go-llm"
	"github.com/MegaGrindStone/go-llm/mcp"
)

// config is populated from the environment. A .env file in the working
// directory is loaded first when present.
type config struct {
	// Provider selects the generation backend. ENV: LLM_PROVIDER
	Provider string `env:"LLM_PROVIDER,default=ollama"`

	// OllamaURL points at an Ollama instance. ENV: OLLAMA_URL
	OllamaURL string `env:"OLLAMA_URL,default=http://localhost:11434"`
	// OllamaModel names the model to generate with. ENV: OLLAMA_MODEL
	OllamaModel string `env:"OLLAMA_MODEL,default=llama3.2"`

	// OpenAIURL points at an OpenAI-compatible endpoint. ENV: OPENAI_URL
	OpenAIURL string `env:"OPENAI_URL,default=https://api.openai.com/v1"`
	// OpenAIKey is the bearer token, optional for local endpoints.
	// ENV: OPENAI_API_KEY
	OpenAIKey string `env:"OPENAI_API_KEY"`
	// OpenAIModel names the model to generate with. ENV: OPENAI_MODEL
	OpenAIModel string `env:"OPENAI_MODEL,default=gpt-4o-mini"`

	// ToolServer optionally launches one stdio tool provider, given as a
	// command line. ENV: TOOL_SERVER
	ToolServer string `env:"TOOL_SERVER"`
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode environment: %v", err)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		log.Fatalf("failed to create provider: %v", err)
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		log.Fatalf("failed to create registry: %v", err)
	}
	defer registry.Close()

	go watchEvents(registry)

	ctx := context.Background()
	if err := registry.Connect(ctx); err != nil {
		fmt.Printf("Some tool providers are unavailable: %v\n", err)
	}
	if tools := registry.Tools(); len(tools) > 0 {
		fmt.Println("Available tools:")
		for _, tool := range tools {
			fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
		}
	}

	fmt.Printf("Chatting with %s. Type a prompt, or /quit to exit.\n", provider.Name())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}

		for chunk, err := range provider.GenerateStream(ctx, llm.GenerateRequest{Prompt: line}) {
			if err != nil {
				fmt.Printf("\nStream error: %v\n", err)
				break
			}
			fmt.Print(chunk.Text)
			if chunk.Done {
				fmt.Println()
			}
		}
	}
}

func newProvider(cfg config) (llm.Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return llm.NewOllama(cfg.OllamaURL, cfg.OllamaModel), nil
	case "openai":
		return llm.NewOpenAI(cfg.OpenAIURL, cfg.OpenAIKey, cfg.OpenAIModel), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newRegistry(cfg config) (*llm.Registry, error) {
	rc := llm.RegistryConfig{}
	if cfg.ToolServer != "" {
		cmdline := strings.Fields(cfg.ToolServer)
		rc.Enabled = true
		rc.Servers = []llm.ServerConfig{
			{
				Name:      "tools",
				Transport: "stdio",
				Command:   cmdline[0],
				Args:      cmdline[1:],
			},
		}
	}
	return llm.NewRegistry(rc)
}

func watchEvents(registry *llm.Registry) {
	for ev := range registry.Events() {
		switch e := ev.Event.(type) {
		case mcp.ErrorEvent:
			fmt.Printf("\n[%s] error: %v\n", ev.Server, e.Err)
		case mcp.ReconnectingEvent:
			fmt.Printf("\n[%s] reconnecting, attempt %d\n", ev.Server, e.Attempt)
		case mcp.DisconnectedEvent:
			if e.Err != nil {
				fmt.Printf("\n[%s] disconnected: %v\n", ev.Server, e.Err)
			}
		}
	}
}
