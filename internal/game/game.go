// Package game identifies the supported games and supplies the per-game
// filesystem layout used by the conversation memory layer.
package game

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ID identifies a supported game.
type ID string

const (
	Skyrim     ID = "skyrim"
	SkyrimVR   ID = "skyrimvr"
	Fallout4   ID = "fallout4"
	Fallout4VR ID = "fallout4vr"
)

// IsValid reports whether id is a recognised game.
func (id ID) IsValid() bool {
	switch id {
	case Skyrim, SkyrimVR, Fallout4, Fallout4VR:
		return true
	}
	return false
}

// folderNames maps each game to the folder name used under the save folder.
var folderNames = map[ID]string{
	Skyrim:     "Skyrim",
	SkyrimVR:   "SkyrimVR",
	Fallout4:   "Fallout4",
	Fallout4VR: "Fallout4VR",
}

// displayNames maps each game to the name substituted into prompt templates.
var displayNames = map[ID]string{
	Skyrim:     "Skyrim",
	SkyrimVR:   "Skyrim",
	Fallout4:   "Fallout 4",
	Fallout4VR: "Fallout 4",
}

// Game describes the game a conversation belongs to and resolves the
// filesystem locations Lorekeeper persists data under.
type Game struct {
	id         ID
	saveFolder string
}

// New creates a [Game] for the given id, rooted at saveFolder.
func New(id ID, saveFolder string) (*Game, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("game: unknown game id %q", id)
	}
	return &Game{id: id, saveFolder: saveFolder}, nil
}

// ID returns the game identifier.
func (g *Game) ID() ID {
	return g.id
}

// Name returns the display name used in prompt templates (the VR editions
// share the base game's name).
func (g *Game) Name() string {
	return displayNames[g.id]
}

// ConversationFolderPath returns the root directory that holds per-world
// conversation summary folders.
func (g *Game) ConversationFolderPath() string {
	return filepath.Join(g.saveFolder, "data", folderNames[g.id], "conversations")
}

// Character is one participant in a conversation, as reported by the game.
type Character struct {
	// Name is the character's in-game display name (e.g., "Whiterun Guard 2").
	Name string

	// RefID is the game engine's reference id for this actor instance.
	RefID string

	// IsPlayerCharacter marks the player; no memory is persisted for them.
	IsPlayerCharacter bool
}

// trailingNumber matches a numeric suffix on a character name.
var trailingNumber = regexp.MustCompile(`\d+$`)

// BaseName strips a trailing instance number from a character name, so
// "Whiterun Guard 1" and "Whiterun Guard 2" share one memory folder.
func BaseName(name string) string {
	return strings.TrimSpace(trailingNumber.ReplaceAllString(name, ""))
}
