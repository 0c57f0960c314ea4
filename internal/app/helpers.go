package app

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/petervdpas/mentality/internal/config"
)

// NormalizeLocalViewer keeps the viewer on localhost and returns the listen
// address and the browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr, url string) {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

// OpenBrowser opens url in the system browser.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

func logBanner(dir, cfgPath string, id config.Identity) {
	log.Info("────────────────────────────────────────")
	log.Infof(" Data folder : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Signed in   : %s (%s)", id.UserID, id.Role)
	log.Info("────────────────────────────────────────")
}
