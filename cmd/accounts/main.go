// Command accounts manages the gateway's Google account pool: adding via
// OAuth, importing the Antigravity editor login, and inspecting quota.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/auth"
	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/internal/config"
)

var (
	store       *account.Store
	oauthClient = auth.NewClient()
	serverPort  = config.DefaultPort
)

func main() {
	args := os.Args[1:]
	command := ""
	noBrowser := false
	var rest []string

	for _, arg := range args {
		switch {
		case arg == "--no-browser":
			noBrowser = true
		case command == "" && !strings.HasPrefix(arg, "-"):
			command = arg
		default:
			rest = append(rest, arg)
		}
	}
	if command == "" {
		command = "add"
	}

	dataDir := config.DataDir()
	if cfg, err := config.Load(dataDir); err == nil {
		serverPort = cfg.Proxy.Port
	}

	var err error
	store, err = account.NewStore(dataDir)
	if err != nil {
		fmt.Println("Error opening account store:", err)
		os.Exit(1)
	}

	printBanner()
	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		ensureServerStopped()
		runAdd(scanner, noBrowser)
	case "list":
		runList()
	case "remove":
		ensureServerStopped()
		runRemove(scanner)
	case "verify":
		runVerify()
	case "quota":
		runQuota()
	case "use":
		runUse(rest)
	case "import":
		ensureServerStopped()
		runImport(rest)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║    Antigravity Gateway Account Tool    ║")
	fmt.Println("║   Use --no-browser for headless mode   ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  accounts add          Add an account (OAuth sign-in or token paste)")
	fmt.Println("  accounts list         List all accounts")
	fmt.Println("  accounts remove       Remove accounts interactively")
	fmt.Println("  accounts verify       Verify account tokens")
	fmt.Println("  accounts quota        Fetch and display per-model quota")
	fmt.Println("  accounts use <n>      Mark account n as current")
	fmt.Println("  accounts import [db]  Import the Antigravity editor login")
	fmt.Println("  accounts help         Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Manual authorization code input (for headless servers)")
}

// isServerRunning checks whether the gateway is listening on the configured port
func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ensureServerStopped exits if the gateway is running, so account changes are
// picked up cleanly on the next start.
func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\n\033[31mError: the gateway is currently running on port %d.\033[0m\n\n", serverPort)
		fmt.Println("Please stop it (Ctrl+C) before adding or managing accounts.")
		os.Exit(1)
	}
}

// openBrowser opens the URL in the default browser
func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		fmt.Println("\n⚠ Could not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

// prompt reads a line of input
func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func displayAccounts(accounts []*account.Account, currentID string) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		marker := " "
		if acc.ID == currentID {
			marker = "*"
		}
		line := fmt.Sprintf("%s %d. %s", marker, i+1, acc.Email)
		if acc.Name != "" {
			line += fmt.Sprintf(" (%s)", acc.Name)
		}
		if summary := quotaSummary(acc.Quota); summary != "" {
			line += "  " + summary
		}
		fmt.Println(line)
	}
}

// quotaSummary condenses a cached quota snapshot into the model with the
// least remaining budget plus the snapshot's age.
func quotaSummary(q *account.QuotaData) string {
	if q == nil {
		return ""
	}
	if q.IsForbidden {
		return "[quota: forbidden]"
	}
	if len(q.Models) == 0 {
		return ""
	}

	low := q.Models[0]
	for _, m := range q.Models[1:] {
		if m.Percentage < low.Percentage {
			low = m
		}
	}
	age := ""
	if q.LastUpdated != "" {
		if t, err := time.Parse(time.RFC3339, q.LastUpdated); err == nil {
			age = ", " + formatAge(time.Since(t)) + " ago"
		}
	}
	return fmt.Sprintf("[quota: %s %d%%%s]", low.Name, low.Percentage, age)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func runAdd(scanner *bufio.Scanner, noBrowser bool) {
	authURL, err := auth.BuildAuthorizationURL()
	if err != nil {
		fmt.Println("Error preparing authorization URL:", err)
		return
	}

	fmt.Println("\n=== Add Google Account ===")
	if noBrowser {
		fmt.Println("Open this URL in a browser on any device:")
	} else {
		fmt.Println("Opening browser for Google sign-in...")
		fmt.Println("(If the browser does not open, copy this URL manually)")
		openBrowser(authURL.URL)
	}
	fmt.Printf("   %s\n\n", authURL.URL)
	fmt.Println("After signing in you will land on a localhost URL that fails to load.")
	fmt.Println("Copy that ENTIRE redirect URL, or just its code parameter.")
	fmt.Println("A Google refresh token (starts with \"1//\") is also accepted.")

	input := prompt(scanner, "\nPaste here: ")
	if input == "" {
		fmt.Println("\n✗ No input provided.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	token, err := tokenFromInput(ctx, input, authURL)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return
	}

	acc, err := finishAdd(ctx, token)
	if err != nil {
		fmt.Printf("\n✗ %v\n", err)
		return
	}

	fmt.Printf("\n✓ Saved account %s\n", acc.Email)
	runList()
}

// tokenFromInput turns whatever the user pasted into tokens: a bare refresh
// token skips the code exchange, anything else is treated as a redirect URL
// or authorization code.
func tokenFromInput(ctx context.Context, input string, authURL *auth.AuthorizationURL) (account.TokenData, error) {
	if strings.HasPrefix(input, "1//") {
		access, expiresIn, err := oauthClient.Refresh(ctx, input)
		if err != nil {
			return account.TokenData{}, err
		}
		return account.TokenData{
			AccessToken:     access,
			RefreshToken:    input,
			ExpiryTimestamp: time.Now().Unix() + expiresIn,
		}, nil
	}

	code, state, err := auth.ExtractCode(input)
	if err != nil {
		return account.TokenData{}, err
	}
	if state != "" && state != authURL.State {
		fmt.Println("\n⚠ State mismatch detected; proceeding since the code was pasted manually.")
	}
	return oauthClient.ExchangeCode(ctx, code, authURL.Verifier)
}

// finishAdd resolves identity and project for fresh tokens, then upserts the
// account record.
func finishAdd(ctx context.Context, token account.TokenData) (*account.Account, error) {
	info, err := oauthClient.FetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("could not resolve account identity: %w", err)
	}
	token.Email = info.Email

	fmt.Printf("\nAuthenticated as %s. Discovering Cloud project...\n", info.Email)
	projectID := oauthClient.FetchProjectID(ctx, token.AccessToken)
	if projectID == "" {
		fmt.Println("No project found; provisioning the free tier (may take a moment)...")
		projectID, err = oauthClient.OnboardFreeTier(ctx, token.AccessToken)
		if err != nil {
			fmt.Printf("⚠ Onboarding failed (%v); the project will be discovered on first request.\n", err)
			projectID = ""
		}
	}
	token.ProjectID = projectID

	return store.Upsert(info.Email, info.Name, token)
}

func runList() {
	accounts, err := store.List()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	currentID, _ := store.CurrentID()
	displayAccounts(accounts, currentID)
}

func runRemove(scanner *bufio.Scanner) {
	for {
		accounts, err := store.List()
		if err != nil {
			fmt.Println("Error loading accounts:", err)
			return
		}
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		currentID, _ := store.CurrentID()
		displayAccounts(accounts, currentID)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")

		answer := prompt(scanner, "> ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\n❌ Invalid selection.")
			continue
		}
		if index == 0 {
			return
		}

		removed := accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nAre you sure you want to remove %s? [y/N]: ", removed.Email))
		if strings.ToLower(confirm) == "y" {
			if err := store.Delete(removed.ID); err != nil {
				fmt.Println("Error removing account:", err)
			} else {
				fmt.Printf("\n✓ Removed %s\n", removed.Email)
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		removeMore := prompt(scanner, "\nRemove another account? [y/N]: ")
		if strings.ToLower(removeMore) != "y" {
			return
		}
	}
}

func runVerify() {
	accounts, err := store.List()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")

	ctx := context.Background()
	for _, acc := range accounts {
		access, _, err := oauthClient.Refresh(ctx, acc.Token.RefreshToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}
		info, err := oauthClient.FetchUserInfo(ctx, access)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}
		fmt.Printf("  ✓ %s - OK\n", info.Email)
	}
}

func runQuota() {
	accounts, err := store.List()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}

	client := cloudcode.NewClient(30 * time.Second)
	ctx := context.Background()

	for _, acc := range accounts {
		fmt.Printf("\n%s:\n", acc.Email)

		token, _, err := oauthClient.EnsureFresh(ctx, acc.Token)
		if err != nil {
			fmt.Printf("  ✗ token refresh failed: %v\n", err)
			continue
		}
		acc.Token = token

		snapshot, err := client.FetchQuota(ctx, token.AccessToken, token.ProjectID)
		if err != nil {
			fmt.Printf("  ✗ quota fetch failed: %v\n", err)
			continue
		}

		acc.Quota = quotaData(snapshot)
		if err := store.Save(acc); err != nil {
			fmt.Println("  ⚠ could not persist quota:", err)
		}

		if snapshot.IsForbidden {
			fmt.Println("  ✗ account is forbidden upstream")
			continue
		}
		if len(snapshot.Models) == 0 {
			fmt.Println("  (no quota information returned)")
			continue
		}
		for _, m := range snapshot.Models {
			line := fmt.Sprintf("  %-32s %3d%%", m.Name, m.Percentage)
			if m.ResetTime != "" {
				line += "  resets " + m.ResetTime
			}
			fmt.Println(line)
		}
	}
}

func quotaData(s *cloudcode.QuotaSnapshot) *account.QuotaData {
	q := &account.QuotaData{
		IsForbidden: s.IsForbidden,
		LastUpdated: time.Now().Format(time.RFC3339),
		Models:      make([]account.ModelQuota, 0, len(s.Models)),
	}
	for _, m := range s.Models {
		q.Models = append(q.Models, account.ModelQuota{
			Name:       m.Name,
			Percentage: m.Percentage,
			ResetTime:  m.ResetTime,
		})
	}
	return q
}

func runUse(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: accounts use <n>")
		return
	}

	accounts, err := store.List()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}

	index, err := strconv.Atoi(args[0])
	if err != nil || index < 1 || index > len(accounts) {
		fmt.Printf("Invalid account number %q; pick 1-%d.\n", args[0], len(accounts))
		return
	}

	acc := accounts[index-1]
	if err := store.SetCurrentID(acc.ID); err != nil {
		fmt.Println("Error setting current account:", err)
		return
	}
	fmt.Printf("✓ Current account is now %s\n", acc.Email)
}

func runImport(args []string) {
	dbPath := ""
	if len(args) > 0 {
		dbPath = args[0]
	}

	fmt.Println("\n=== Import Antigravity Editor Login ===")
	status, err := auth.ReadAuthStatus(dbPath)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}
	if status.RefreshToken == "" {
		fmt.Println("✗ The editor login has no refresh token; sign out and back in, then retry.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	access, expiresIn, err := oauthClient.Refresh(ctx, status.RefreshToken)
	if err != nil {
		fmt.Printf("✗ Imported token did not refresh: %v\n", err)
		return
	}

	acc, err := finishAdd(ctx, account.TokenData{
		AccessToken:     access,
		RefreshToken:    status.RefreshToken,
		ExpiryTimestamp: time.Now().Unix() + expiresIn,
		Email:           status.Email,
	})
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}

	fmt.Printf("\n✓ Imported %s\n", acc.Email)
	runList()
}
