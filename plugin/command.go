package plugin

import (
	"github.com/df-mc/dragonfly/server/cmd"
	"github.com/df-mc/dragonfly/server/world"
)

// notReady is shown while a player's profile is still loading.
const notReady = "Your profile is still loading, please try again in a moment."

// Balance shows the player's coins, gems and experience.
type Balance struct{}

// Run implements cmd.Runnable.
func (Balance) Run(src cmd.Source, o *cmd.Output, _ *world.Tx) {
	p, h := Command(src)
	if p == nil || h == nil {
		o.Error("This command can only be used by players.")
		return
	}
	prof, ok := h.Profile()
	if !ok {
		o.Error(notReady)
		return
	}
	o.Printf("Coins: %d, Gems: %d, Experience: %d", prof.Coins, prof.Gems, prof.Experience)
}

// Commands returns the plugin's commands for cmd.Register.
func Commands() []cmd.Command {
	return []cmd.Command{
		cmd.New("balance", "Shows your coins, gems and experience.", []string{"bal"}, Balance{}),
	}
}
