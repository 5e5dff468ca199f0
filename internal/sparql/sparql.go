// Package sparql holds the parameterised SPARQL query templates used by
// both pipelines (address IRIs/rows, and the six PLS collections plus
// geocodes).
package sparql

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// IRIValues renders a SPARQL VALUES block binding var to one IRI per
// element of iris, e.g. "VALUES ?iri { <a> <b> }".
func IRIValues(varName string, iris []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "VALUES ?%s {\n", varName)
	for _, iri := range iris {
		fmt.Fprintf(&b, "    <%s>\n", iri)
	}
	b.WriteString("}")
	return b.String()
}

// query wraps a parsed template for one entity's IRI-listing or
// detail query.
type query struct {
	tmpl *template.Template
}

func mustParse(name, body string) query {
	return query{tmpl: template.Must(template.New(name).Parse(body))}
}

func (q query) render(data any) string {
	var buf bytes.Buffer
	if err := q.tmpl.Execute(&buf, data); err != nil {
		// Templates are parsed and validated at package init; a render
		// failure here means a caller passed the wrong data shape, which is
		// a programming error, not a runtime condition to recover from.
		panic(fmt.Sprintf("sparql: render %s: %v", q.tmpl.Name(), err))
	}
	return buf.String()
}

// iriListData is the data shape shared by every "IRIs only" listing query.
type iriListData struct {
	Debug bool
	Limit int
}

// detailData is the data shape shared by every "detail rows" query: the
// bounded chunk of IRIs resolved by the prior IRI-listing pass.
type detailData struct {
	IRIs []string
}

var addressIRIsTmpl = mustParse("address_iris", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX lc: <https://linked.data.gov.au/def/lifecycle/>
PREFIX sdo: <https://schema.org/>
PREFIX time: <http://www.w3.org/2006/time#>

SELECT ?iri (MAX(?_start_time) AS ?start_time)
WHERE {
    GRAPH <urn:qali:graph:addresses> {
        ?iri a addr:Address ;
            lc:hasLifecycleStage ?lifecycle_stage .
        ?lifecycle_stage sdo:additionalType <https://linked.data.gov.au/def/lifecycle-stage-types/current> ;
            time:hasBeginning/time:inXSDDateTime ?_start_time
        FILTER NOT EXISTS { ?lifecycle_stage time:hasEnd ?end_time }
    }
}
GROUP BY ?iri
{{- if .Limit}}
LIMIT {{.Limit}}
{{- end}}
`)

// AddressIRIs renders the address-IRI listing query. limit is 0 for no
// limit (a positive address_iri_limit caps the number of IRIs extracted).
func AddressIRIs(limit int) string {
	return addressIRIsTmpl.render(iriListData{Limit: limit})
}

var addressRowsTmpl = mustParse("address_rows", `
PREFIX skos: <http://www.w3.org/2004/02/skos/core#>
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX apt: <https://linked.data.gov.au/def/addr-part-types/>
PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX sdo: <https://schema.org/>

SELECT ?iri ?name ?lot ?plan ?unit_number ?unit_type ?street_number
       (?road_name AS ?street_name) (?road_type AS ?street_type) ?state
       (?road_suffix AS ?street_suffix) ?property_name ?street_no_1
       ?street_no_1_suffix ?street_no_2 ?street_no_2_suffix ?street_full
       ?locality ?local_authority ?address_status ?address_standard
       ?lotplan_status ?address_pid
WHERE {
{{- if .IRIs}}
    VALUES ?iri {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:addresses> {
        ?iri a addr:Address ;
            sdo:identifier ?address_pid ;
            cn:isNameFor ?parcel ;
            sdo:name ?name .
        OPTIONAL { ?iri sdo:hasPart [ sdo:additionalType apt:subaddressNumber ; sdo:value ?unit_number ] }
        OPTIONAL { ?iri sdo:hasPart [ sdo:additionalType apt:subaddressType ; sdo:value ?unit_type ] }
        OPTIONAL { ?iri sdo:hasPart [ sdo:additionalType apt:addressNumberFirst ; sdo:value ?street_number ] }
        ?iri sdo:hasPart [ sdo:additionalType apt:road ; sdo:value ?road ] .
        BIND("QLD" AS ?state)
        ?parcel sdo:identifier ?lot ; sdo:identifier ?plan .
        FILTER(DATATYPE(?lot) = <https://linked.data.gov.au/dataset/qld-addr/datatype/lot>)
        ?iri addr:hasStatus ?address_status_concept .
        ?address_status_concept skos:notation ?address_status .
        ?iri sdo:additionalType ?address_standard_concept .
        ?address_standard_concept skos:notation ?address_standard .
        ?parcel sdo:additionalProperty [ sdo:propertyID "parcel_status_code" ; sdo:value ?lotplan_status ] .
    }
    GRAPH <urn:qali:graph:roads> {
        ?road sdo:hasPart [ sdo:additionalType <https://linked.data.gov.au/def/road-name-part-types/roadGivenName> ; sdo:value ?road_name ] ;
              sdo:name ?street_full .
        OPTIONAL { ?road sdo:hasPart [ sdo:additionalType <https://linked.data.gov.au/def/road-name-part-types/roadType> ; sdo:value ?road_type ] }
        OPTIONAL { ?road sdo:hasPart [ sdo:additionalType <https://linked.data.gov.au/def/road-name-part-types/roadSuffix> ; sdo:value ?road_suffix ] }
    }
    GRAPH <urn:qali:graph:geographical-names> {
        ?locality_object sdo:name ?locality .
    }
}
`)

// AddressRows renders the address detail query for a bounded IRI chunk.
func AddressRows(iris []string) string {
	return addressRowsTmpl.render(detailData{IRIs: iris})
}

// lotNumberSubstitution: a lot number of literal "0" is rebound to "9999"
// in every PLS query that projects ?lot_no, matching parcel.py's
// BIND(IF(...)) substitution, since
// QLD cadastral data uses "0" as a placeholder lot number that collides
// across unrelated parcels if left unmodified.
const lotNumberSubstitution = `
        BIND(
            IF(STR(?_lot_no) = "0", "9999"^^<https://linked.data.gov.au/dataset/qld-addr/datatype/lot>, ?_lot_no)
            AS ?lot_no
        )
`

func plsIRIsOnlyTemplate(name, typeIRI string) query {
	return mustParse(name+"_iris", fmt.Sprintf(`
PREFIX addr: <https://linked.data.gov.au/def/addr/>

SELECT ?%s_id
WHERE {
{{- if .IRIs}}
    VALUES ?%s_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:addresses> {
        ?%s_id a %s .
    }
}
`, name, name, name, typeIRI))
}

var (
	localAuthorityIRIsTmpl = plsIRIsOnlyTemplate("local_authority", "addr:LocalGovernmentArea")
	localityIRIsTmpl       = plsIRIsOnlyTemplate("locality", "addr:Locality")
	roadIRIsTmpl           = plsIRIsOnlyTemplate("road", "addr:Road")
	parcelIRIsTmpl         = plsIRIsOnlyTemplate("parcel", "addr:AddressableObject")
	siteIRIsTmpl           = plsIRIsOnlyTemplate("site", "addr:Site")
	placeNameIRIsTmpl      = plsIRIsOnlyTemplate("place_name", "addr:PlaceName")
)

// LocalAuthorityIRIs, LocalityIRIs, RoadIRIs, ParcelIRIs, SiteIRIs, and
// PlaceNameIRIs each render the IRI-listing query for one PLS collection.
// An empty iris slice renders the unrestricted (production) query; a
// non-empty one renders the VALUES-scoped debug form used for
// restricted-IRI debug runs.
func LocalAuthorityIRIs(iris []string) string { return localAuthorityIRIsTmpl.render(detailData{IRIs: iris}) }
func LocalityIRIs(iris []string) string       { return localityIRIsTmpl.render(detailData{IRIs: iris}) }
func RoadIRIs(iris []string) string           { return roadIRIsTmpl.render(detailData{IRIs: iris}) }
func ParcelIRIs(iris []string) string         { return parcelIRIsTmpl.render(detailData{IRIs: iris}) }
func SiteIRIs(iris []string) string           { return siteIRIsTmpl.render(detailData{IRIs: iris}) }
func PlaceNameIRIs(iris []string) string      { return placeNameIRIsTmpl.render(detailData{IRIs: iris}) }

var localAuthorityRowsTmpl = mustParse("local_authority_rows", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX sdo: <https://schema.org/>

SELECT ?local_authority_id ?la_name ?la_code
WHERE {
{{- if .IRIs}}
    VALUES ?local_authority_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:addresses> {
        ?local_authority_id a addr:LocalGovernmentArea ;
            sdo:name ?la_name ;
            sdo:identifier ?la_code .
    }
}
`)

// LocalAuthorityRows renders the local-authority detail query.
func LocalAuthorityRows(iris []string) string { return localAuthorityRowsTmpl.render(detailData{IRIs: iris}) }

var localityRowsTmpl = mustParse("locality_rows", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX sdo: <https://schema.org/>

SELECT ?locality_id ?locality_code ?locality_name ?locality_type ?la_code ?state ?status ?local_authority_id
WHERE {
{{- if .IRIs}}
    VALUES ?locality_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:geographical-names> {
        ?locality_id a addr:Locality ;
            sdo:name ?locality_name .
        OPTIONAL { ?locality_id sdo:additionalProperty [ sdo:propertyID "lalf.locality_code" ; sdo:value ?locality_code ] }
        OPTIONAL { ?locality_id sdo:additionalProperty [ sdo:propertyID "lalf.locality_type" ; sdo:value ?locality_type ] }
        OPTIONAL { ?locality_id sdo:additionalProperty [ sdo:propertyID "lalf.la_code" ; sdo:value ?la_code ] }
        OPTIONAL { ?locality_id sdo:additionalProperty [ sdo:propertyID "lalf.state" ; sdo:value ?state ] }
        OPTIONAL { ?locality_id sdo:additionalProperty [ sdo:propertyID "pndb.status" ; sdo:value ?status ] }
        OPTIONAL { ?locality_id sdo:additionalProperty [ sdo:propertyID "pndb.lga_id" ; sdo:value ?local_authority_id ] }
    }
}
`)

// LocalityRows renders the locality detail query.
func LocalityRows(iris []string) string { return localityRowsTmpl.render(detailData{IRIs: iris}) }

var roadRowsTmpl = mustParse("road_rows", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX rnpt: <https://linked.data.gov.au/def/road-name-part-types/>
PREFIX sdo: <https://schema.org/>

SELECT ?road_id ?road_name ?road_name_suffix ?road_name_type ?road_cat_desc ?locality_code ?locality_id
WHERE {
{{- if .IRIs}}
    VALUES ?road_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:roads> {
        ?road_id a addr:Road ;
            sdo:name ?road_name .
        OPTIONAL { ?road_id sdo:hasPart [ sdo:additionalType rnpt:roadSuffix ; sdo:value ?road_name_suffix ] }
        OPTIONAL { ?road_id sdo:hasPart [ sdo:additionalType rnpt:roadType ; sdo:value ?road_name_type ] }
        OPTIONAL { ?road_id sdo:additionalProperty [ sdo:propertyID "locality_id" ; sdo:value ?locality_id ] }
    }
    OPTIONAL {
        GRAPH <urn:qali:graph:geographical-names> {
            ?locality_id sdo:additionalProperty [ sdo:propertyID "lalf.locality_code" ; sdo:value ?locality_code ]
        }
    }
    BIND("P" AS ?road_cat_desc)
}
`)

// RoadRows renders the road detail query.
func RoadRows(iris []string) string { return roadRowsTmpl.render(detailData{IRIs: iris}) }

var parcelRowsTmpl = mustParse("parcel_rows", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX sdo: <https://schema.org/>

SELECT ?parcel_id ?plan_no ?lot_no
WHERE {
{{- if .IRIs}}
    VALUES ?parcel_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:addresses> {
        ?parcel_id a addr:AddressableObject ;
            sdo:identifier ?plan_no ;
            sdo:identifier ?_lot_no .
        FILTER(DATATYPE(?_lot_no) = <https://linked.data.gov.au/dataset/qld-addr/datatype/lot>)
    }
` + lotNumberSubstitution + `
}
`)

// ParcelRows renders the parcel detail query, applying the "0" -> "9999"
// lot-number substitution.
func ParcelRows(iris []string) string { return parcelRowsTmpl.render(detailData{IRIs: iris}) }

var siteRowsTmpl = mustParse("site_rows", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX sdo: <https://schema.org/>

SELECT ?site_id ?parent_site_id ?site_type ?parcel_id
WHERE {
{{- if .IRIs}}
    VALUES ?site_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:addresses> {
        ?site_id a addr:Site ;
            sdo:additionalProperty [ sdo:propertyID "parcel_id" ; sdo:value ?parcel_id ] .
        OPTIONAL { ?site_id sdo:additionalProperty [ sdo:propertyID "parent_site_id" ; sdo:value ?parent_site_id ] }
        OPTIONAL { ?site_id sdo:additionalProperty [ sdo:propertyID "site_type" ; sdo:value ?site_type ] }
    }
}
`)

// SiteRows renders the site detail query.
func SiteRows(iris []string) string { return siteRowsTmpl.render(detailData{IRIs: iris}) }

var placeNameRowsTmpl = mustParse("place_name_rows", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX sdo: <https://schema.org/>

SELECT ?place_name_id ?name ?site_id
WHERE {
{{- if .IRIs}}
    VALUES ?place_name_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:geographical-names> {
        ?place_name_id a addr:PlaceName ;
            sdo:name ?name .
        OPTIONAL { ?place_name_id sdo:additionalProperty [ sdo:propertyID "site_id" ; sdo:value ?site_id ] }
    }
}
`)

// PlaceNameRows renders the place-name detail query.
func PlaceNameRows(iris []string) string { return placeNameRowsTmpl.render(detailData{IRIs: iris}) }

var plsAddressRowsTmpl = mustParse("pls_address_rows", `
PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX apt: <https://linked.data.gov.au/def/addr-part-types/>
PREFIX sdo: <https://schema.org/>
PREFIX skos: <http://www.w3.org/2004/02/skos/core#>

SELECT ?address_id ?address_pid ?parcel_id ?addr_status_code ?unit_type ?unit_no ?unit_suffix
       ?level_type ?level_no ?level_suffix ?street_no_first ?street_no_first_suffix
       ?street_no_last ?street_no_last_suffix ?road_id ?site_id ?location_desc ?address_standard
WHERE {
{{- if .IRIs}}
    VALUES ?address_id {
    {{- range .IRIs}}
        <{{.}}>
    {{- end}}
    }
{{- end}}
    GRAPH <urn:qali:graph:addresses> {
        ?address_id a addr:Address ;
            sdo:identifier ?address_pid ;
            sdo:additionalProperty [ sdo:propertyID "site_id" ; sdo:value ?site_id ],
                                    [ sdo:propertyID "parcel_id" ; sdo:value ?parcel_id ],
                                    [ sdo:propertyID "road_id" ; sdo:value ?road_id ] .
        ?address_id addr:hasStatus ?address_status_concept .
        ?address_status_concept skos:notation ?addr_status_code .
        ?address_id sdo:additionalType ?address_standard_concept .
        ?address_standard_concept skos:notation ?address_standard .
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:subaddressType ; sdo:value ?unit_type ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:subaddressNumber ; sdo:value ?unit_no ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:subaddressNumberSuffix ; sdo:value ?unit_suffix ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:buildingLevelType ; sdo:value ?level_type ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:buildingLevelNumber ; sdo:value ?level_no ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:buildingLevelSuffix ; sdo:value ?level_suffix ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:addressNumberFirst ; sdo:value ?street_no_first ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:addressNumberFirstSuffix ; sdo:value ?street_no_first_suffix ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:addressNumberLast ; sdo:value ?street_no_last ] }
        OPTIONAL { ?address_id sdo:hasPart [ sdo:additionalType apt:addressNumberLastSuffix ; sdo:value ?street_no_last_suffix ] }
        OPTIONAL { ?address_id sdo:additionalProperty [ sdo:propertyID "location_desc" ; sdo:value ?location_desc ] }
    }
}
`)

// PLSAddressRows renders the PLS address detail query.
func PLSAddressRows(iris []string) string { return plsAddressRowsTmpl.render(detailData{IRIs: iris}) }
