// Package listsource implements the fetch/verify/parse/validate state
// machine for one subscribed list: it takes a ListSource's (url, expected
// endorser) subscription intent through HTTP fetch, SMIME verification,
// HEPiX parsing, and the endorser/expiry checks, exposing the resulting
// verified/trusted/expired/error flags.
package listsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/endorser"
	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/imagelist"
	"github.com/hepix-sync/atrope/pkg/rest"
	"github.com/hepix-sync/atrope/pkg/trust"
)

// ExpectedEndorser is the operator's a-priori expectation of who signs a
// list, configured alongside the URL.
type ExpectedEndorser struct {
	DN string
	CA string
}

// ListSource holds one list's subscription configuration plus the result
// of its last fetch cycle. Flags reached in order:
// fetched (RawContents set) → Verified → (Document set) → Trusted/Expired.
// Any failure sets Error and leaves the remaining flags false.
type ListSource struct {
	Name               string
	URL                string
	ExpectedEndorser   ExpectedEndorser
	Token              string
	SubscribedImageIDs []string
	Enabled            bool
	Prefix             string
	Project            string

	RawContents []byte
	Signer      endorser.Signer
	Document    *imagelist.Document

	Verified bool
	Trusted  bool
	Expired  bool
	Error    error
}

// Fetch runs the full fetch, verify, parse, validate cycle. If the list is
// disabled or has no URL configured it is a no-op, not an error (NEW→NEW
// transition). Every other failure is stored on Error and returned; the
// caller (the list manager) is expected to log it and move to the next
// list rather than abort the run.
func (l *ListSource) Fetch(ctx context.Context, client *http.Client, verifier *trust.Verifier) error {
	if !l.Enabled || l.URL == "" {
		return nil
	}

	body, status, err := rest.Get(ctx, client, l.URL, l.Token)
	if err != nil {
		e := &atropeerrors.ImageListDownloadFailed{Code: status, Reason: err.Error()}
		l.Error = e
		return e
	}
	l.RawContents = body

	signer, payload, err := verifier.Verify(body)
	if err != nil {
		l.Error = err
		return err
	}
	l.Signer = signer
	l.Verified = true

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		e := &atropeerrors.InvalidImageList{Reason: "invalid JSON: " + err.Error()}
		l.Error = e
		return e
	}

	doc, err := imagelist.New(raw)
	if err != nil {
		l.Error = err
		return err
	}
	l.Document = doc

	l.Expired = doc.Expires.Before(time.Now())
	l.Trusted = l.checkEndorser()
	if !l.Trusted {
		return l.Error
	}

	return nil
}

// checkEndorser implements the trust predicate: the signer that
// actually signed the list must match the list's own declared endorser,
// and the operator's expected endorser must match it too. Any mismatch
// sets Error to a diagnostic naming both sides and returns false.
func (l *ListSource) checkEndorser() bool {
	end := l.Document.Endorser

	if l.Signer.DN != end.DN || l.Signer.CA != end.CA {
		l.Error = fmt.Errorf(
			"list %q endorser is not trusted: signer (dn=%s ca=%s) does not match declared endorser (dn=%s ca=%s)",
			l.Name, l.Signer.DN, l.Signer.CA, end.DN, end.CA)
		return false
	}

	if l.ExpectedEndorser.DN != end.DN || l.ExpectedEndorser.CA != end.CA {
		l.Error = fmt.Errorf(
			"list %q endorser mismatch: expected (dn=%s ca=%s) does not match declared endorser (dn=%s ca=%s)",
			l.Name, l.ExpectedEndorser.DN, l.ExpectedEndorser.CA, end.DN, end.CA)
		return false
	}

	return true
}

// Ready reports whether images may be downloaded and dispatched for this
// list.
func (l *ListSource) Ready() bool {
	return l.Enabled && l.Verified && l.Trusted && !l.Expired
}

// GetSubscribedImages returns the document images this list has opted
// into: every image if SubscribedImageIDs is empty, otherwise only those
// whose identifier is in the set. An id present in SubscribedImageIDs but
// absent from the document is silently skipped.
func (l *ListSource) GetSubscribedImages() ([]*image.Record, error) {
	if l.Document == nil {
		return nil, &atropeerrors.ImageListNotFetched{ID: l.Name}
	}
	if len(l.SubscribedImageIDs) == 0 {
		return l.Document.Images, nil
	}

	wanted := make(map[string]bool, len(l.SubscribedImageIDs))
	for _, id := range l.SubscribedImageIDs {
		wanted[id] = true
	}

	var out []*image.Record
	for _, img := range l.Document.Images {
		if wanted[img.Identifier] {
			out = append(out, img)
		}
	}
	return out, nil
}

// GetValidSubscribedImages returns the subset of GetSubscribedImages whose
// Verified flag is true, i.e. images that were actually downloaded and
// checksum-matched in this run.
func (l *ListSource) GetValidSubscribedImages() ([]*image.Record, error) {
	subscribed, err := l.GetSubscribedImages()
	if err != nil {
		return nil, err
	}
	var out []*image.Record
	for _, img := range subscribed {
		if img.Verified {
			out = append(out, img)
		}
	}
	return out, nil
}
