package lichess

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Account is the authenticated bot account, fetched once at startup.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Title  string `json:"title"`
	Rating int    `json:"rating"`
}

type Variant struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type TimeControl struct {
	Type      string `json:"type"`      // "clock", "correspondence", "unlimited"
	Limit     int    `json:"limit"`     // initial seconds
	Increment int    `json:"increment"` // seconds per move
}

// Challenge is an incoming challenge from the account stream.
type Challenge struct {
	ID          string      `json:"id"`
	Challenger  Player      `json:"challenger"`
	DestUser    Player      `json:"destUser"`
	Variant     Variant     `json:"variant"`
	Rated       bool        `json:"rated"`
	Speed       string      `json:"speed"`
	TimeControl TimeControl `json:"timeControl"`
	Color       string      `json:"color"`
}

// Event is one entry of the account-wide ndjson stream.
type Event struct {
	Type      string     `json:"type"` // challenge, challengeCanceled, challengeDeclined, gameStart, gameFinish
	Challenge *Challenge `json:"challenge,omitempty"`
	Game      *GameInfo  `json:"game,omitempty"`
}

// GameInfo accompanies gameStart/gameFinish events.
type GameInfo struct {
	ID       string  `json:"gameId"`
	FullID   string  `json:"fullId"`
	Color    string  `json:"color"`
	Opponent Player  `json:"opponent"`
	Variant  Variant `json:"variant"`
	Rated    bool    `json:"rated"`
	Speed    string  `json:"speed"`
}

// GameState mirrors the lichess gameState payload: the full move list as
// space-separated UCI plus both clocks in milliseconds.
type GameState struct {
	Type   string `json:"type"`
	Moves  string `json:"moves"`
	Wtime  int64  `json:"wtime"`
	Btime  int64  `json:"btime"`
	Winc   int64  `json:"winc"`
	Binc   int64  `json:"binc"`
	Status string `json:"status"` // created, started, mate, resign, draw, aborted, outoftime, stalemate, ...
	Winner string `json:"winner"`

	Wdraw bool `json:"wdraw"`
	Bdraw bool `json:"bdraw"`
}

// MoveList splits the move field into UCI tokens.
func (s *GameState) MoveList() []string {
	return strings.Fields(s.Moves)
}

// Terminal reports whether the status ends the game.
func (s *GameState) Terminal() bool {
	switch s.Status {
	case "", "created", "started":
		return false
	default:
		return true
	}
}

type ClockSpec struct {
	Initial   int64 `json:"initial"`   // milliseconds
	Increment int64 `json:"increment"` // milliseconds
}

// GameEvent is one entry of the per-game ndjson stream. Lichess flattens
// the gameState fields into gameFull's "state" member, so GameFull embeds
// a GameState snapshot.
type GameEvent struct {
	Type string `json:"type"` // gameFull, gameState, chatLine, opponentGone

	// gameFull fields.
	ID         string     `json:"id"`
	Variant    Variant    `json:"variant"`
	Rated      bool       `json:"rated"`
	Clock      *ClockSpec `json:"clock"`
	White      Player     `json:"white"`
	Black      Player     `json:"black"`
	InitialFen string     `json:"initialFen"`
	State      *GameState `json:"state"`

	// gameState fields (present when Type == "gameState").
	GameState

	// chatLine fields.
	Username string `json:"username"`
	Text     string `json:"text"`
	Room     string `json:"room"` // "player" or "spectator"

	// opponentGone fields.
	Gone            bool `json:"gone"`
	ClaimWinInSecs  int  `json:"claimWinInSeconds"`
}

func decodeEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("decode account event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("account event without type: %s", truncate(string(line), 256))
	}
	return ev, nil
}

func decodeGameEvent(line []byte) (GameEvent, error) {
	var ev GameEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return GameEvent{}, fmt.Errorf("decode game event: %w", err)
	}
	if ev.Type == "" {
		return GameEvent{}, fmt.Errorf("game event without type: %s", truncate(string(line), 256))
	}
	return ev, nil
}
