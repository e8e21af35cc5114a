package dispatcher

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/imagedata"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/members"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/listsource"
	"github.com/hepix-sync/atrope/pkg/logger"
)

// atropeTag marks every image this dispatcher manages, distinguishing
// them from images uploaded by other means.
const atropeTag = "atrope"

// allowedDiskFormats is the set of disk_format values Glance accepts.
var allowedDiskFormats = map[string]bool{
	"ami": true, "ari": true, "aki": true, "vhd": true, "vhdx": true,
	"vmdk": true, "raw": true, "qcow2": true, "vdi": true, "iso": true,
	"ploop": true, "root-tar": true,
}

// reservedProperties are the keys Glance.Dispatch sets itself; a caller
// supplying one of these in metadata gets MetadataOverwriteNotSupported.
var reservedProperties = map[string]bool{
	"sha512": true, "appdb_id": true, "vmcatcher_event_dc_description": true,
	"vmcatcher_event_ad_mpuri": true, "image_list": true,
}

// GlanceConfig configures the OpenStack image-catalog dispatcher,
// trimmed to what gophercloud's AuthOptions need.
type GlanceConfig struct {
	Username   string
	UserID     string
	Password   string
	TenantName string
	TenantID   string
	AuthURL    string
	Endpoint   string
	Insecure   bool

	// TenantClients maps a VO→project mapping's tenant project id to a
	// ServiceClient already authenticated as that tenant, needed to accept
	// a membership under the tenant's own credentials. A VO whose
	// tenant has no entry here has its membership created but left
	// pending, with a logged warning (see shareWithTenant).
	TenantClients map[string]*gophercloud.ServiceClient
}

// Glance is the concrete image-catalog dispatcher backed by OpenStack
// Glance.
type Glance struct {
	client *gophercloud.ServiceClient
	fs     billy.Filesystem
	cfg    GlanceConfig
}

// NewGlance authenticates against OpenStack and returns a ready Glance
// dispatcher. fs must be the same filesystem images were downloaded into,
// so Dispatch can open their disk contents via image.GetDisk.
func NewGlance(cfg GlanceConfig, fs billy.Filesystem) (*Glance, error) {
	if cfg.Username == "" && cfg.UserID == "" {
		return nil, &atropeerrors.GlanceMissingConfiguration{Flags: []string{"username", "user_id"}}
	}
	if cfg.TenantName == "" && cfg.TenantID == "" {
		return nil, &atropeerrors.GlanceMissingConfiguration{Flags: []string{"tenant_name", "tenant_id"}}
	}
	if cfg.Endpoint == "" && cfg.AuthURL == "" {
		return nil, &atropeerrors.GlanceMissingConfiguration{Flags: []string{"endpoint", "auth_url"}}
	}

	provider, err := openstack.AuthenticatedClient(gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		UserID:           cfg.UserID,
		Password:         cfg.Password,
		TenantName:       cfg.TenantName,
		TenantID:         cfg.TenantID,
	})
	if err != nil {
		return nil, err
	}

	client, err := openstack.NewImageServiceV2(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint != "" {
		client.Endpoint = cfg.Endpoint
	}

	return &Glance{client: client, fs: fs, cfg: cfg}, nil
}

// Dispatch uploads img under imageName, tagging it "atrope" and carrying
// the AppDB properties downstream consumers filter on. An existing image
// with the same appdb_id but a different sha512 is deleted and recreated;
// more than one
// existing candidate is an operator error (DuplicatedImage).
func (g *Glance) Dispatch(_ context.Context, imageName string, img *image.Record, isPublic bool, metadata map[string]string) error {
	properties := map[string]string{
		"sha512":                         img.SHA512,
		"appdb_id":                       img.Identifier,
		"vmcatcher_event_dc_description": img.Description,
		"vmcatcher_event_ad_mpuri":       img.MPURI,
		"image_list":                     metadata["image_list"],
	}
	for k, v := range metadata {
		if k == "image_list" {
			// Already set above: this is the manager's own required
			// fan-out metadata, not a caller trying to shadow it.
			continue
		}
		if reservedProperties[k] {
			return &atropeerrors.MetadataOverwriteNotSupported{Key: k}
		}
		properties[k] = v
	}

	diskFormat, containerFormat := g.guessFormats(img)

	visibility := images.ImageVisibilityPrivate
	if isPublic {
		visibility = images.ImageVisibilityPublic
	}

	existing, err := g.findByAppdbID(img.Identifier)
	if err != nil {
		return err
	}

	var target *images.Image
	if len(existing) > 1 {
		ids := make([]string, len(existing))
		for i, im := range existing {
			ids[i] = im.ID
		}
		return &atropeerrors.DuplicatedImage{Images: ids}
	}
	if len(existing) == 1 {
		if propString(existing[0].Properties, "sha512") != img.SHA512 {
			if err := images.Delete(g.client, existing[0].ID).ExtractErr(); err != nil {
				return err
			}
		} else {
			img := existing[0]
			target = &img
		}
	}

	if target == nil {
		created, err := images.Create(g.client, images.CreateOpts{
			Name:            imageName,
			DiskFormat:      diskFormat,
			ContainerFormat: containerFormat,
			Tags:            []string{atropeTag},
			Visibility:      &visibility,
			Properties:      properties,
		}).Extract()
		if err != nil {
			return err
		}
		target = created

		_, stream, err := image.GetDisk(img, g.fs)
		if err != nil {
			return err
		}
		defer stream.Close()

		if err := imagedata.Upload(g.client, target.ID, stream).ExtractErr(); err != nil {
			return err
		}
	}

	if vo, ok := metadata["vo"]; ok && vo != "" {
		if tenantID, ok := resolveTenant(vo, metadata); ok {
			g.shareWithTenant(target.ID, tenantID)
		}
	}

	return nil
}

// resolveTenant reads the project id a VO maps to, if the caller supplied
// one via metadata["project"] (dispatcher.Manager sets this from the list's
// own Project or its VOProjects mapping before calling Dispatch).
func resolveTenant(_ string, metadata map[string]string) (string, bool) {
	project, ok := metadata["project"]
	if !ok || project == "" {
		return "", false
	}
	return project, true
}

// shareWithTenant creates a membership for tenantID and, if a tenant-scoped
// client was configured for it, accepts the membership under the tenant's
// own credentials. Without a tenant client the membership is left
// pending, the conservative default when no tenant credential mapping was
// configured.
func (g *Glance) shareWithTenant(imageID, tenantID string) {
	member, err := members.Create(g.client, imageID, tenantID).Extract()
	if err != nil {
		logger.Log(slog.LevelError, "failed to share image with tenant",
			slog.String("image", imageID), slog.String("tenant", tenantID), logger.Err(err))
		return
	}

	tenantClient, ok := g.cfg.TenantClients[tenantID]
	if !ok {
		logger.Log(slog.LevelWarn, "membership created but left pending: no tenant-scoped client configured",
			slog.String("image", imageID), slog.String("tenant", tenantID))
		return
	}

	if _, err := members.Update(tenantClient, imageID, member.MemberID, members.UpdateOpts{Status: "accepted"}).Extract(); err != nil {
		logger.Log(slog.LevelError, "failed to accept image membership",
			slog.String("image", imageID), slog.String("tenant", tenantID), logger.Err(err))
	}
}

// findByAppdbID lists images tagged "atrope" and filters, client-side, by
// appdb_id, since Glance's ListOpts has no first-class arbitrary-property
// filter in gophercloud, so the tag-scoped list is narrowed here instead.
func (g *Glance) findByAppdbID(appdbID string) ([]images.Image, error) {
	page, err := images.List(g.client, images.ListOpts{Tags: []string{atropeTag}}).AllPages()
	if err != nil {
		return nil, err
	}
	all, err := images.ExtractImages(page)
	if err != nil {
		return nil, err
	}

	var matches []images.Image
	for _, im := range all {
		if propString(im.Properties, "appdb_id") == appdbID {
			matches = append(matches, im)
		}
	}
	return matches, nil
}

// Sync removes sink-side images tagged for list that are no longer among
// its currently valid subscribed identifiers.
func (g *Glance) Sync(_ context.Context, list *listsource.ListSource) error {
	valid, err := list.GetValidSubscribedImages()
	if err != nil {
		return err
	}
	validIDs := make(map[string]bool, len(valid))
	for _, img := range valid {
		validIDs[img.Identifier] = true
	}

	page, err := images.List(g.client, images.ListOpts{Tags: []string{atropeTag}}).AllPages()
	if err != nil {
		return err
	}
	all, err := images.ExtractImages(page)
	if err != nil {
		return err
	}

	for _, im := range all {
		if propString(im.Properties, "image_list") != list.Name {
			continue
		}
		appdbID := propString(im.Properties, "appdb_id")
		if !validIDs[appdbID] {
			logger.Log(slog.LevelInfo, "removing stale dispatched image", slog.String("image", im.ID), slog.String("list", list.Name))
			if err := images.Delete(g.client, im.ID).ExtractErr(); err != nil {
				logger.Log(slog.LevelError, "failed to delete stale image", slog.String("image", im.ID), logger.Err(err))
			}
		}
	}
	return nil
}

func propString(properties map[string]any, key string) string {
	v, _ := properties[key].(string)
	return v
}

// guessFormats maps an image's declared format to the (disk_format,
// container_format) pair Glance expects: "ova" images get
// container_format "ova" and the disk format get_disk() reports for the
// wrapped disk; everything else is container_format "bare" with
// disk_format taken from the image's own format if it's one of the
// allowed set, else "raw".
func (g *Glance) guessFormats(img *image.Record) (diskFormat, containerFormat string) {
	if strings.EqualFold(img.Format, "ova") {
		format, stream, err := image.GetDisk(img, g.fs)
		if err == nil {
			stream.Close()
			return format, "ova"
		}
		return "vmdk", "ova"
	}

	format := strings.ToLower(img.Format)
	if !allowedDiskFormats[format] {
		format = "raw"
	}
	return format, "bare"
}
