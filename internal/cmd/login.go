package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/web-gemini/GeminiWebGateway/internal/browser"
	"github.com/web-gemini/GeminiWebGateway/internal/config"
	"github.com/web-gemini/GeminiWebGateway/internal/credentials"
	"github.com/web-gemini/GeminiWebGateway/internal/provider/geminiweb"
)

const loginURL = "https://gemini.google.com/app"

// DoLogin walks the user through extracting their Gemini web cookies and
// stores them in the token file. The cookies live in the browser's cookie
// jar; there is no OAuth flow, so the user pastes them from devtools.
func DoLogin(cfg *config.Config) {
	fmt.Println("Opening Gemini in your browser. Sign in, then copy the")
	fmt.Println("__Secure-1PSID and __Secure-1PSIDTS cookies from your browser's")
	fmt.Println("developer tools (Application > Cookies > google.com).")
	fmt.Println()

	if browser.IsAvailable() {
		if err := browser.OpenURL(loginURL); err != nil {
			log.Warnf("failed to open browser: %v", err)
			fmt.Printf("Open %s manually.\n\n", loginURL)
		}
	} else {
		fmt.Printf("Open %s manually.\n\n", loginURL)
	}

	reader := bufio.NewReader(os.Stdin)
	psid := promptValue(reader, "__Secure-1PSID")
	if psid == "" {
		log.Fatal("__Secure-1PSID is required")
	}
	psidts := promptValue(reader, "__Secure-1PSIDTS (optional, press Enter to skip)")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := geminiweb.NewClient(psid, psidts, cfg.ProxyURL)
	if err := client.Init(ctx, 60*time.Second); err != nil {
		log.Fatalf("cookie validation failed: %v", err)
	}
	// Init may have merged a refreshed TS from the handshake response.
	if ts := client.Cookie("__Secure-1PSIDTS"); ts != "" {
		psidts = ts
	}

	store := credentials.NewFileSource(cfg.GeminiWeb.TokenFile)
	if err := store.Persist(credentials.Cookies{Secure1PSID: psid, Secure1PSIDTS: psidts}); err != nil {
		log.Fatalf("failed to write token file: %v", err)
	}
	fmt.Printf("Credentials saved to %s\n", cfg.GeminiWeb.TokenFile)
}

func promptValue(reader *bufio.Reader, name string) string {
	fmt.Printf("%s: ", name)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
