package oauth

import (
	"net"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mdp/qrterminal/v3"
)

func newListener(hostPort string) (net.Listener, error) {
	return net.Listen("tcp", hostPort)
}

// printAuthQRCode renders the authorization URL as a terminal QR code,
// mirroring the hub's registration-approval prompt, so a headless
// embedder's operator can scan it from another device.
func printAuthQRCode(authURL string) {
	isTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if !isTTY {
		return
	}
	qrterminal.GenerateWithConfig(authURL, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     os.Stderr,
		QuietZone:  1,
		HalfBlocks: true,
	})
}
