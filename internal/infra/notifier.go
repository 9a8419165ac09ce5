package infra

import (
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/gen2brain/beeep"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// DesktopNotifier implements domain.NotificationSink with beeep.
type DesktopNotifier struct {
	iconPath string
	send     func(title, message, icon string) error
}

// NewDesktopNotifier creates a notifier. An icon installed under
// $XDG_DATA_DIRS/trackd/icon.png is used when present.
func NewDesktopNotifier() *DesktopNotifier {
	icon, _ := xdg.SearchDataFile(filepath.Join(appName, "icon.png"))
	return &DesktopNotifier{iconPath: icon, send: beeep.Notify}
}

// Notify shows a desktop notification.
func (n *DesktopNotifier) Notify(note domain.Notification) error {
	return n.send(note.Title, note.Body, n.iconPath)
}

// Ensure DesktopNotifier implements domain.NotificationSink.
var _ domain.NotificationSink = (*DesktopNotifier)(nil)
