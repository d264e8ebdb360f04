package radio

import (
	"fmt"
	"regexp"
	"strings"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

var legacyRegionPattern = regexp.MustCompile(`^.+-(.+)$`)

func radioConfigFromProto(cfg *pb.Config) (mesh.RadioConfig, error) {
	var out mesh.RadioConfig
	switch v := cfg.GetPayloadVariant().(type) {
	case *pb.Config_Lora:
		raw, err := marshal("lora config", v.Lora)
		if err != nil {
			return out, err
		}
		out.LoRa = raw
		out.Region = mesh.RegionCode(v.Lora.GetRegion())
	case *pb.Config_Power:
		raw, err := marshal("power config", v.Power)
		if err != nil {
			return out, err
		}
		out.Power = raw
		out.LightSleepSecs = v.Power.GetLsSecs()
	case *pb.Config_Position:
		raw, err := marshal("position config", v.Position)
		if err != nil {
			return out, err
		}
		out.Position = raw
		out.HasGPS = v.Position.GetGpsMode() == pb.Config_PositionConfig_ENABLED
	}
	return out, nil
}

func configSections(cfg mesh.RadioConfig) ([]*pb.Config, error) {
	var sections []*pb.Config
	if cfg.LoRa != nil {
		var lora pb.Config_LoRaConfig
		if err := proto.Unmarshal(cfg.LoRa, &lora); err != nil {
			return nil, fmt.Errorf("radio: decode lora section: %w", err)
		}
		sections = append(sections, &pb.Config{PayloadVariant: &pb.Config_Lora{Lora: &lora}})
	}
	if cfg.Power != nil {
		var power pb.Config_PowerConfig
		if err := proto.Unmarshal(cfg.Power, &power); err != nil {
			return nil, fmt.Errorf("radio: decode power section: %w", err)
		}
		sections = append(sections, &pb.Config{PayloadVariant: &pb.Config_Power{Power: &power}})
	}
	if cfg.Position != nil {
		var position pb.Config_PositionConfig
		if err := proto.Unmarshal(cfg.Position, &position); err != nil {
			return nil, fmt.Errorf("radio: decode position section: %w", err)
		}
		sections = append(sections, &pb.Config{PayloadVariant: &pb.Config_Position{Position: &position}})
	}
	return sections, nil
}

// LoRaSectionWithRegion returns the LoRa section of cfg with its region
// replaced. A config without a LoRa section yields one holding only the region.
func LoRaSectionWithRegion(cfg mesh.RadioConfig, region mesh.RegionCode) (mesh.RadioConfig, error) {
	var lora pb.Config_LoRaConfig
	if cfg.LoRa != nil {
		if err := proto.Unmarshal(cfg.LoRa, &lora); err != nil {
			return mesh.RadioConfig{}, fmt.Errorf("radio: decode lora section: %w", err)
		}
	}
	lora.Region = pb.Config_LoRaConfig_RegionCode(region)
	raw, err := marshal("lora config", &lora)
	if err != nil {
		return mesh.RadioConfig{}, err
	}
	return mesh.RadioConfig{LoRa: raw, Region: region}, nil
}

// PowerSection builds a power section with the given light sleep duration.
func PowerSection(lightSleepSecs uint32) (mesh.RadioConfig, error) {
	raw, err := marshal("power config", &pb.Config_PowerConfig{LsSecs: lightSleepSecs})
	if err != nil {
		return mesh.RadioConfig{}, err
	}
	return mesh.RadioConfig{Power: raw, LightSleepSecs: lightSleepSecs}, nil
}

// ParseRegion resolves a region name such as "US" or "EU_868".
func ParseRegion(name string) (mesh.RegionCode, bool) {
	code, ok := pb.Config_LoRaConfig_RegionCode_value[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return mesh.RegionUnset, false
	}
	return mesh.RegionCode(code), true
}

// RegionName returns the enum name of a region code.
func RegionName(code mesh.RegionCode) string {
	if name, ok := pb.Config_LoRaConfig_RegionCode_name[int32(code)]; ok {
		return name
	}
	return fmt.Sprintf("REGION_%d", int32(code))
}

// ParseLegacyRegion extracts the region from the "<version>-<REGION>" string
// older firmware reported, e.g. "1.0-US".
func ParseLegacyRegion(legacy string) (mesh.RegionCode, bool) {
	m := legacyRegionPattern.FindStringSubmatch(strings.TrimSpace(legacy))
	if m == nil {
		return mesh.RegionUnset, false
	}
	code, ok := ParseRegion(m[1])
	if !ok || code == mesh.RegionUnset {
		return mesh.RegionUnset, false
	}
	return code, true
}
