package permissions

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Checker answers "may this identity touch this region" questions for the
// HTTP layer. The lock service itself never consults it; locks are
// permission-agnostic.
type Checker interface {
	// Lookup reports whether the email belongs to an admin and which region
	// codes it may access. Admins get every configured region.
	Lookup(email string) (bool, []string)
	CheckRegion(email, region string) bool
	CheckDepot(email string, depot int) bool
	ValidRegion(region string) bool
	ValidRegions() []string
	DepotForRegion(region string) (int, bool)
	RegionForDepot(depot int) (string, bool)
}

type regionConfig struct {
	DepotID int `json:"depot_id"`
}

type fileDocument struct {
	Regions     map[string]regionConfig `json:"regions"`
	Permissions struct {
		Admins   []string            `json:"admins"`
		Builders map[string][]string `json:"builders"`
	} `json:"permissions"`
}

type fileChecker struct {
	depotByRegion map[string]int
	regionByDepot map[int]string
	admins        map[string]struct{}
	builders      map[string]map[string]struct{} // region -> emails
}

// LoadFile reads a permissions document (regions with depot ids, admin
// emails, per-region builder emails) and returns a Checker over it. Region
// codes and emails are matched case-insensitively.
func LoadFile(path string) (Checker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions file: %s", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Checker, error) {
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse permissions file: %s", err)
	}
	if len(doc.Regions) == 0 {
		return nil, fmt.Errorf("permissions file defines no regions")
	}

	c := &fileChecker{
		depotByRegion: make(map[string]int),
		regionByDepot: make(map[int]string),
		admins:        make(map[string]struct{}),
		builders:      make(map[string]map[string]struct{}),
	}
	for region, cfg := range doc.Regions {
		region = strings.ToLower(region)
		c.depotByRegion[region] = cfg.DepotID
		if cfg.DepotID != 0 {
			c.regionByDepot[cfg.DepotID] = region
		}
	}
	for _, email := range doc.Permissions.Admins {
		c.admins[strings.ToLower(email)] = struct{}{}
	}
	for region, emails := range doc.Permissions.Builders {
		region = strings.ToLower(region)
		if _, ok := c.depotByRegion[region]; !ok {
			return nil, fmt.Errorf("builders reference unknown region %q", region)
		}
		set := make(map[string]struct{}, len(emails))
		for _, email := range emails {
			set[strings.ToLower(email)] = struct{}{}
		}
		c.builders[region] = set
	}
	return c, nil
}

func (c *fileChecker) Lookup(email string) (bool, []string) {
	email = strings.ToLower(email)
	if _, ok := c.admins[email]; ok {
		return true, c.ValidRegions()
	}
	var regions []string
	for region, emails := range c.builders {
		if _, ok := emails[email]; ok {
			regions = append(regions, region)
		}
	}
	sort.Strings(regions)
	return false, regions
}

func (c *fileChecker) CheckRegion(email, region string) bool {
	isAdmin, regions := c.Lookup(email)
	if isAdmin {
		return true
	}
	region = strings.ToLower(region)
	for _, r := range regions {
		if r == region {
			return true
		}
	}
	return false
}

func (c *fileChecker) CheckDepot(email string, depot int) bool {
	region, ok := c.RegionForDepot(depot)
	if !ok {
		return false
	}
	return c.CheckRegion(email, region)
}

func (c *fileChecker) ValidRegion(region string) bool {
	_, ok := c.depotByRegion[strings.ToLower(region)]
	return ok
}

func (c *fileChecker) ValidRegions() []string {
	regions := make([]string, 0, len(c.depotByRegion))
	for region := range c.depotByRegion {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

func (c *fileChecker) DepotForRegion(region string) (int, bool) {
	depot, ok := c.depotByRegion[strings.ToLower(region)]
	if !ok || depot == 0 {
		return 0, false
	}
	return depot, true
}

func (c *fileChecker) RegionForDepot(depot int) (string, bool) {
	region, ok := c.regionByDepot[depot]
	return region, ok
}
