package barracks

import (
	"fmt"
	"strconv"
	"strings"
)

// RankTier is the band a rank belongs to
type RankTier string

const (
	RankTierEnlisted RankTier = "enlisted"
	RankTierWarrant  RankTier = "warrant"
	RankTierOfficer  RankTier = "officer"
)

const (
	// highCommandRoleThreshold is the lowest external role id that is
	// extrapolated into the officer band when it's missing from rankTable
	highCommandRoleThreshold = 23

	// highCommandLevel is the lowest officer level displayed as [HQ]
	highCommandLevel = 9

	maxEnlistedLevel = 9
	maxWarrantLevel  = 5
	maxOfficerLevel  = 13

	// discordMaxNicknameLength is Discord's limit on guild nicknames
	discordMaxNicknameLength = 32

	unknownRankName = "Unknown Rank"
	hqTag           = "HQ"
)

var tierPrefixes = map[RankTier]string{
	RankTierEnlisted: "OR",
	RankTierWarrant:  "WO",
	RankTierOfficer:  "OF",
}

// RankCode is a structured rank, like OR-5 or OF-13
type RankCode struct {
	Tier  RankTier `json:"tier"`
	Level int      `json:"level"`
}

// rankTable maps external group role ids to ranks
var rankTable = func() map[int]RankCode {
	table := make(map[int]RankCode, maxEnlistedLevel+maxWarrantLevel+maxOfficerLevel)
	roleID := 1
	for _, band := range []struct {
		tier   RankTier
		levels int
	}{
		{RankTierEnlisted, maxEnlistedLevel},
		{RankTierWarrant, maxWarrantLevel},
		{RankTierOfficer, maxOfficerLevel},
	} {
		for level := 1; level <= band.levels; level++ {
			table[roleID] = RankCode{Tier: band.tier, Level: level}
			roleID++
		}
	}
	return table
}()

var rankNames = map[RankCode]string{
	{RankTierEnlisted, 1}: "Private",
	{RankTierEnlisted, 2}: "Private First Class",
	{RankTierEnlisted, 3}: "Lance Corporal",
	{RankTierEnlisted, 4}: "Corporal",
	{RankTierEnlisted, 5}: "Sergeant",
	{RankTierEnlisted, 6}: "Staff Sergeant",
	{RankTierEnlisted, 7}: "Sergeant First Class",
	{RankTierEnlisted, 8}: "Master Sergeant",
	{RankTierEnlisted, 9}: "Sergeant Major",

	{RankTierWarrant, 1}: "Warrant Officer 1",
	{RankTierWarrant, 2}: "Warrant Officer 2",
	{RankTierWarrant, 3}: "Warrant Officer 3",
	{RankTierWarrant, 4}: "Warrant Officer 4",
	{RankTierWarrant, 5}: "Warrant Officer 5",

	{RankTierOfficer, 1}:  "Second Lieutenant",
	{RankTierOfficer, 2}:  "First Lieutenant",
	{RankTierOfficer, 3}:  "Captain",
	{RankTierOfficer, 4}:  "Major",
	{RankTierOfficer, 5}:  "Lieutenant Colonel",
	{RankTierOfficer, 6}:  "Colonel",
	{RankTierOfficer, 7}:  "Brigadier General",
	{RankTierOfficer, 8}:  "Major General",
	{RankTierOfficer, 9}:  "Lieutenant General",
	{RankTierOfficer, 10}: "General",
	{RankTierOfficer, 11}: "General of the Army",
	{RankTierOfficer, 12}: "Field Marshal",
	{RankTierOfficer, 13}: "Supreme Commander",
}

// MapExternalRoleToRank maps an external group role id to a RankCode.
//
// Ids missing from the table at or above highCommandRoleThreshold are
// placed in the officer band at min(id-14, 13). Every other unmapped
// id falls back to OR-1.
func MapExternalRoleToRank(roleID int) RankCode {
	if rank, ok := rankTable[roleID]; ok {
		return rank
	}
	if roleID >= highCommandRoleThreshold {
		return RankCode{
			Tier:  RankTierOfficer,
			Level: min(roleID-(maxEnlistedLevel+maxWarrantLevel), maxOfficerLevel),
		}
	}
	return RankCode{Tier: RankTierEnlisted, Level: 1}
}

// String returns the rank code, ex: "OR-5"
func (r RankCode) String() string {
	prefix, ok := tierPrefixes[r.Tier]
	if !ok {
		return "??-" + strconv.Itoa(r.Level)
	}
	return fmt.Sprintf("%s-%d", prefix, r.Level)
}

// Name returns the display name for the rank, ex: "Staff Sergeant"
func (r RankCode) Name() string {
	if name, ok := rankNames[r]; ok {
		return name
	}
	return unknownRankName
}

func (r RankCode) Valid() bool {
	_, ok := rankNames[r]
	return ok
}

// Category returns "Enlisted", "Warrant Officer", "Officer" or "Unknown"
func (r RankCode) Category() string {
	switch {
	case r.IsEnlisted():
		return "Enlisted"
	case r.IsWarrant():
		return "Warrant Officer"
	case r.IsOfficer():
		return "Officer"
	default:
		return "Unknown"
	}
}

var rankInitialisms = map[RankCode]string{
	{RankTierWarrant, 1}:  "WO1",
	{RankTierWarrant, 2}:  "WO2",
	{RankTierWarrant, 3}:  "WO3",
	{RankTierWarrant, 4}:  "WO4",
	{RankTierWarrant, 5}:  "WO5",
	{RankTierOfficer, 10}: "GEN",
	{RankTierOfficer, 11}: "GOA",
	{RankTierOfficer, 12}: "FM",
	{RankTierOfficer, 13}: "SC",
}

// Initialism returns the short form used for warrant officers and the
// most senior officers, or the rank code for everything else
func (r RankCode) Initialism() string {
	if s, ok := rankInitialisms[r]; ok {
		return s
	}
	return r.String()
}

func (r RankCode) IsEnlisted() bool { return r.Tier == RankTierEnlisted }
func (r RankCode) IsWarrant() bool  { return r.Tier == RankTierWarrant }
func (r RankCode) IsOfficer() bool  { return r.Tier == RankTierOfficer }

// IsHighCommand reports whether the rank is an officer at or above
// highCommandLevel. The comparison uses the officer level, not the
// external role id.
func (r RankCode) IsHighCommand() bool {
	return r.IsOfficer() && r.Level >= highCommandLevel
}

// ParseRankCode parses the output of [RankCode.String]
func ParseRankCode(s string) (RankCode, error) {
	prefix, levelStr, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "-")
	if !ok {
		return RankCode{}, fmt.Errorf("%w: invalid rank code %q", ErrInvalidInput, s)
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil {
		return RankCode{}, fmt.Errorf("%w: invalid rank level %q", ErrInvalidInput, s)
	}
	for tier, p := range tierPrefixes {
		if p == prefix {
			rank := RankCode{Tier: tier, Level: level}
			if !rank.Valid() {
				return RankCode{}, fmt.Errorf("%w: unknown rank %q", ErrInvalidInput, s)
			}
			return rank, nil
		}
	}
	return RankCode{}, fmt.Errorf("%w: unknown rank tier %q", ErrInvalidInput, prefix)
}

// FormatDisplayName returns the guild nickname for a verified user:
// "[HQ] handle" for high command, otherwise "[OR-5] handle". The result
// is truncated to Discord's nickname limit.
func FormatDisplayName(rank RankCode, handle string) string {
	tag := rank.String()
	if rank.IsHighCommand() {
		tag = hqTag
	}
	return truncate(fmt.Sprintf("[%s] %s", tag, handle), discordMaxNicknameLength)
}
