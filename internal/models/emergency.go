package models

import "github.com/ncfoa/geotrack/pkg/geo"

// EmergencyCategory is the kind of incident being reported.
type EmergencyCategory string

const (
	EmergencyAccident  EmergencyCategory = "accident"
	EmergencyBreakdown EmergencyCategory = "breakdown"
	EmergencyTheft     EmergencyCategory = "theft"
	EmergencyMedical   EmergencyCategory = "medical"
	EmergencyOther     EmergencyCategory = "other"
)

// ServiceType is a category of emergency service resolvable by the directory.
type ServiceType string

const (
	ServiceHospital  ServiceType = "hospital"
	ServicePolice    ServiceType = "police"
	ServiceTow       ServiceType = "tow"
	ServiceMechanic  ServiceType = "mechanic"
	ServiceAmbulance ServiceType = "ambulance"
)

// RequiredServiceTypes maps an emergency category to the service types that
// must be looked up for it. The table is fixed.
var RequiredServiceTypes = map[EmergencyCategory][]ServiceType{
	EmergencyAccident:  {ServiceHospital, ServicePolice, ServiceTow},
	EmergencyBreakdown: {ServiceTow, ServiceMechanic},
	EmergencyTheft:     {ServicePolice},
	EmergencyMedical:   {ServiceHospital, ServiceAmbulance},
	EmergencyOther:     {ServicePolice},
}

// EmergencyServiceCandidate is one externally supplied nearby service. The
// core ranks and truncates, it does not generate these.
type EmergencyServiceCandidate struct {
	ServiceType      ServiceType `json:"service_type"`
	Name             string      `json:"name,omitempty"`
	Location         geo.Point   `json:"location"`
	DistanceMeters   float64     `json:"distance_meters"`
	EstimatedArrival float64     `json:"estimated_arrival_min"`
}
