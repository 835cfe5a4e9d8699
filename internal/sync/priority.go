package sync

import (
	"sort"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// Scopes accepted by Prioritize.
const (
	ScopeAll      = "all"
	ScopePriority = "priority"
)

func rank(f domain.Folder) int {
	use := f.SpecialUse
	if use == domain.SpecialNone {
		use = domain.GuessSpecialUse(f.Path)
	}
	switch use {
	case domain.SpecialInbox:
		return 0
	case domain.SpecialStarred, domain.SpecialImportant:
		return 1
	case domain.SpecialSent:
		return 2
	}
	return 3
}

// Prioritize orders folders for syncing: inbox, starred and important,
// sent, then every other folder by path. Scope "priority" stops after sent.
func Prioritize(folders []domain.Folder, scope string) []domain.Folder {
	out := make([]domain.Folder, 0, len(folders))
	for _, f := range folders {
		if scope == ScopePriority && rank(f) > 2 {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].Path < out[j].Path
	})
	return out
}
