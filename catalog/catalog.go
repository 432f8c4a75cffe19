// Package catalog defines the typed collections served by the contentsync
// process and registers a decoder for each of them.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mikills/contentsync/content"
)

const (
	KeyUniversities = "universities"
	KeyCourses      = "courses"
	KeyJobs         = "jobs"
	KeyCountries    = "countries"
)

type University struct {
	ID            string   `json:"id" validate:"required"`
	Title         string   `json:"title" validate:"required"`
	Location      string   `json:"location"`
	Country       string   `json:"country"`
	Description   string   `json:"description"`
	Image         string   `json:"image"`
	Rating        float64  `json:"rating" validate:"gte=0,lte=5"`
	Programs      []string `json:"programs"`
	AnnualFee     string   `json:"annual_fee"`
	Ranking       *int     `json:"ranking,omitempty"`
	Website       string   `json:"website,omitempty"`
	Accreditation string   `json:"accreditation,omitempty"`
	StudentCount  *int     `json:"student_count,omitempty"`
	FoundedYear   *int     `json:"founded_year,omitempty"`
}

type Course struct {
	ID                 string   `json:"id" validate:"required"`
	UniversityID       string   `json:"university_id" validate:"required"`
	Name               string   `json:"name" validate:"required"`
	Duration           int      `json:"duration" validate:"gte=0"`
	DegreeLevel        string   `json:"degree_level"`
	TuitionFee         float64  `json:"tuition_fee" validate:"gte=0"`
	Language           string   `json:"language"`
	Description        string   `json:"description"`
	CareerProspects    string   `json:"career_prospects"`
	Prerequisites      string   `json:"prerequisites"`
	Availability       string   `json:"availability"`
	Accreditation      string   `json:"accreditation,omitempty"`
	CourseStructure    []string `json:"course_structure"`
	InternshipIncluded bool     `json:"internship_included"`
	StartDates         []string `json:"start_dates,omitempty"`
}

type Job struct {
	ID              string   `json:"id" validate:"required"`
	Title           string   `json:"title" validate:"required"`
	Company         string   `json:"company"`
	Location        string   `json:"location"`
	Type            string   `json:"type"`
	Salary          string   `json:"salary"`
	Description     string   `json:"description"`
	Requirements    []string `json:"requirements"`
	Benefits        []string `json:"benefits"`
	PostedDate      string   `json:"posted_date"`
	Deadline        string   `json:"deadline,omitempty"`
	ApplyURL        string   `json:"apply_url" validate:"omitempty,url"`
	CompanyLogo     string   `json:"company_logo,omitempty"`
	IsRemote        bool     `json:"is_remote"`
	ExperienceLevel string   `json:"experience_level"`
}

type Country struct {
	ID                    string   `json:"id" validate:"required"`
	Name                  string   `json:"name" validate:"required"`
	Flag                  string   `json:"flag"`
	VisaType              string   `json:"visa_type"`
	VisaFee               float64  `json:"visa_fee" validate:"gte=0"`
	ProcessingTime        string   `json:"processing_time"`
	SuccessRate           int      `json:"success_rate" validate:"gte=0,lte=100"`
	Currency              string   `json:"currency"`
	LanguageRequirements  string   `json:"language_requirements"`
	FinancialRequirements string   `json:"financial_requirements"`
	DocumentChecklist     []string `json:"document_checklist"`
	HealthInsurance       string   `json:"health_insurance"`
	WorkPermission        string   `json:"work_permission"`
	CostOfLiving          string   `json:"cost_of_living"`
	StudentBenefits       []string `json:"student_benefits"`
	VisaValidity          string   `json:"visa_validity"`
	EmbassyWebsite        string   `json:"embassy_website,omitempty"`
}

// Collection payloads. The top-level array is required; an empty array is a
// valid, empty collection.

type Universities struct {
	Version      string       `json:"version"`
	Universities []University `json:"universities" validate:"required,dive"`
}

type Courses struct {
	Version string   `json:"version"`
	Courses []Course `json:"courses" validate:"required,dive"`
}

type Jobs struct {
	Version string `json:"version"`
	Jobs    []Job  `json:"jobs" validate:"required,dive"`
}

type Countries struct {
	Version   string    `json:"version"`
	Countries []Country `json:"countries" validate:"required,dive"`
}

var validate = validator.New()

func (u Universities) Validate() error {
	return check(u, u.Universities, func(r University) string { return r.ID })
}

func (c Courses) Validate() error {
	return check(c, c.Courses, func(r Course) string { return r.ID })
}

func (j Jobs) Validate() error {
	return check(j, j.Jobs, func(r Job) string { return r.ID })
}

func (c Countries) Validate() error {
	return check(c, c.Countries, func(r Country) string { return r.ID })
}

// check runs the struct tags and rejects duplicate record ids.
func check[T any](doc any, records []T, id func(T) string) error {
	if err := validate.Struct(doc); err != nil {
		return describe(err)
	}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		key := id(r)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate id %q", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// Register installs the decoder of every catalog collection into reg.
func Register(reg *content.Registry) error {
	return errors.Join(
		content.RegisterJSON[Universities](reg, KeyUniversities),
		content.RegisterJSON[Courses](reg, KeyCourses),
		content.RegisterJSON[Jobs](reg, KeyJobs),
		content.RegisterJSON[Countries](reg, KeyCountries),
	)
}

// NewRegistry returns a registry with every catalog collection registered.
func NewRegistry() *content.Registry {
	reg := content.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
