// ABOUTME: Tests for spawning the agent as a child process
// ABOUTME: The test binary re-executes itself as a minimal agent speaking the framed protocol

package agent

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mauromedda/sg-nvim-go/internal/jsonrpc"
)

const helperEnv = "SG_NVIM_AGENT_HELPER"

// TestHelperAgent is not a real test: when helperEnv is set it serves the
// agent protocol on stdio until it receives exit.
func TestHelperAgent(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process only")
	}
	r := jsonrpc.NewReader(os.Stdin)
	w := jsonrpc.NewWriter(os.Stdout)
	for {
		msg, err := r.Read()
		if err != nil {
			os.Exit(0)
		}
		switch msg.Method {
		case MethodInitialize:
			_ = w.Write(mustResponse(msg.ID, ServerInfo{Name: "helper-agent"}))
		case MethodRecipesList:
			_ = w.Write(mustResponse(msg.ID, []RecipeInfo{{ID: "chat-question", Title: "Chat"}}))
		case MethodShutdown:
			_ = w.Write(mustResponse(msg.ID, nil))
		case MethodExit:
			os.Exit(0)
		default:
			if msg.Kind == jsonrpc.KindRequest {
				_ = w.Write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewMethodNotFoundError(msg.Method)))
			}
		}
	}
}

func TestSpawn(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := Spawn(ctx, SpawnConfig{
		Path:    os.Args[0],
		Args:    []string{"-test.run=^TestHelperAgent$"},
		Env:     []string{helperEnv + "=1"},
		Client:  ClientInfo{Name: "neovim", Version: "test"},
		Options: Options{ShutdownGrace: time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}

	recipes, err := b.ListRecipes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recipes) != 1 || recipes[0].ID != "chat-question" {
		t.Errorf("recipes = %+v", recipes)
	}
	if info, ok := b.ServerInfo(); !ok || info.Name != "helper-agent" {
		t.Errorf("ServerInfo = %+v, %v", info, ok)
	}

	if err := b.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if b.proc == nil {
		t.Fatal("process not attached")
	}
	select {
	case <-b.proc.exited:
	default:
		t.Error("process not reaped after Close")
	}
}

func TestSpawnRejects(t *testing.T) {
	t.Parallel()

	t.Run("no path", func(t *testing.T) {
		t.Parallel()
		_, err := Spawn(context.Background(), SpawnConfig{})
		if !errors.Is(err, ErrNoAgentPath) {
			t.Errorf("err = %v; want ErrNoAgentPath", err)
		}
	})

	t.Run("approval denied", func(t *testing.T) {
		t.Parallel()
		denied := errors.New("not on allow list")
		_, err := Spawn(context.Background(), SpawnConfig{
			Path:    "/bin/true",
			Approve: func(string, []string) error { return denied },
		})
		if !errors.Is(err, denied) {
			t.Errorf("err = %v; want approval error", err)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		t.Parallel()
		_, err := Spawn(context.Background(), SpawnConfig{Path: "/nonexistent/sg-agent"})
		if err == nil {
			t.Error("Spawn of missing binary succeeded")
		}
	})
}
