package sync

import (
	"fmt"
	"math/rand"
	"net/url"
)

// Cursor colors shown next to participant names in the editor.
var colors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
}

func avatarURL(name string) string {
	return fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s", url.QueryEscape(name))
}

func pickColor() string {
	return colors[rand.Intn(len(colors))]
}
