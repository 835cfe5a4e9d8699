package provider

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// Endpoint is the HTTP call that replays one mutation.
type Endpoint struct {
	Method string
	Path   string
	Body   any
}

type readBody struct {
	Unread bool `json:"unread"`
}

type starBody struct {
	Starred bool `json:"starred"`
}

type labelBody struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

type moveBody struct {
	Folder string `json:"folder"`
}

// Route maps a mutation onto its endpoint.
func Route(account string, e domain.MutationEntry) (Endpoint, error) {
	if e.TargetID == "" {
		return Endpoint{}, fmt.Errorf("mutation %s has no target", e.ID)
	}
	base := fmt.Sprintf("/v1/accounts/%s/messages/%s", url.PathEscape(account), url.PathEscape(e.TargetID))
	d := e.DesiredState
	switch e.Type {
	case domain.MutationToggleRead:
		if d.Unread == nil {
			return Endpoint{}, fmt.Errorf("mutation %s: toggleRead without unread state", e.ID)
		}
		return Endpoint{Method: http.MethodPut, Path: base + "/read", Body: readBody{Unread: *d.Unread}}, nil
	case domain.MutationStar:
		if d.Starred == nil {
			return Endpoint{}, fmt.Errorf("mutation %s: star without starred state", e.ID)
		}
		return Endpoint{Method: http.MethodPut, Path: base + "/star", Body: starBody{Starred: *d.Starred}}, nil
	case domain.MutationLabel:
		return Endpoint{Method: http.MethodPut, Path: base + "/labels", Body: labelBody{
			Add:    nonNil(d.AddLabels),
			Remove: nonNil(d.RemoveLabels),
		}}, nil
	case domain.MutationMove:
		if d.Folder == "" {
			return Endpoint{}, fmt.Errorf("mutation %s: move without folder", e.ID)
		}
		return Endpoint{Method: http.MethodPut, Path: base + "/folder", Body: moveBody{Folder: d.Folder}}, nil
	case domain.MutationDelete:
		return Endpoint{Method: http.MethodDelete, Path: base}, nil
	}
	return Endpoint{}, fmt.Errorf("mutation %s: unknown type %q", e.ID, e.Type)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
