package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/mentality/internal/config"
)

// PromptInteractive asks for the identity and endpoints on first run.
// Invalid answers fall back to the values passed in.
func PromptInteractive(r io.Reader, w io.Writer, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Mentality client setup")
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")

	next := cfg
	next.Identity.UserID = askString(in, w, "User id", cfg.Identity.UserID)
	next.Identity.Role = askString(in, w, "Role (admin/user/psychologist)", cfg.Identity.Role)
	next.Identity.FirstName = askString(in, w, "First name", cfg.Identity.FirstName)
	next.Identity.LastName = askString(in, w, "Last name", cfg.Identity.LastName)
	next.Identity.Token = askString(in, w, "Access token", cfg.Identity.Token)
	next.Backend.APIURL = askString(in, w, "REST API URL", cfg.Backend.APIURL)
	next.Backend.SocketURL = askString(in, w, "Socket URL", cfg.Backend.SocketURL)
	next.Notifications.PageLimit = askInt(in, w, "Notifications per page", cfg.Notifications.PageLimit)
	next.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	if err := next.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous values.\n", err)
		return cfg
	}
	return next
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}
