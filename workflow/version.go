package workflow

import "encoding/json"

// Version lets a workflow body branch on a version tag recorded the
// first time this location is reached, so later code changes don't
// change the path a running history takes. current is
// the version the calling code would pick today; on replay, the
// recorded tag — not current — determines the branch.
func Version(c *Context, current int) (int, error) {
	loc := c.nextLocation()

	if recorded, ok := c.replaying(loc); ok {
		if recorded.Kind != KindBranch {
			return 0, expectKind(loc, recorded.Kind, KindBranch)
		}
		var tag int
		if err := json.Unmarshal(recorded.Body, &tag); err != nil {
			return 0, err
		}
		return tag, nil
	}

	body, _ := json.Marshal(current)
	c.record(Event{Location: loc, Kind: KindBranch, Body: body, VersionTag: "version"})
	return current, nil
}
