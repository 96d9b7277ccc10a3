package streams

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, p Parser) []Pair {
	t.Helper()
	var out []Pair
	for {
		pair, ok, err := p.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, pair)
	}
}

// Scenario 6 (spec.md §8): an R171 input with three distributor classes
// must emit the three per-class records AND one derived energy/active/index
// total equal to their sum.
func TestR171DerivedTotals(t *testing.T) {
	xmlDoc := `<Flux_R171>
		<serieMesuresDatees>
			<prmId>09111642617347</prmId>
			<grandeurMetier>CONS</grandeurMetier>
			<grandeurPhysique>EA</grandeurPhysique>
			<unite>Wh</unite>
			<codeClasseTemporelle>HPH</codeClasseTemporelle>
			<typeCalendrier>D</typeCalendrier>
			<mesureDatee><dateFin>2020-06-01T00:00:00</dateFin><valeur>100</valeur></mesureDatee>
		</serieMesuresDatees>
		<serieMesuresDatees>
			<prmId>09111642617347</prmId>
			<grandeurMetier>CONS</grandeurMetier>
			<grandeurPhysique>EA</grandeurPhysique>
			<unite>Wh</unite>
			<codeClasseTemporelle>HPB</codeClasseTemporelle>
			<typeCalendrier>D</typeCalendrier>
			<mesureDatee><dateFin>2020-06-01T00:00:00</dateFin><valeur>200</valeur></mesureDatee>
		</serieMesuresDatees>
		<serieMesuresDatees>
			<prmId>09111642617347</prmId>
			<grandeurMetier>CONS</grandeurMetier>
			<grandeurPhysique>EA</grandeurPhysique>
			<unite>Wh</unite>
			<codeClasseTemporelle>HCH</codeClasseTemporelle>
			<typeCalendrier>D</typeCalendrier>
			<mesureDatee><dateFin>2020-06-01T00:00:00</dateFin><valeur>300</valeur></mesureDatee>
		</serieMesuresDatees>
	</Flux_R171>`

	p, err := NewR171Parser(strings.NewReader(xmlDoc))
	require.NoError(t, err)
	pairs := drain(t, p)

	var total *Pair
	classCount := 0
	for i, pr := range pairs {
		if pr.Record.Name == "urn:dev:prm:09111642617347_consumption/energy/active/index" {
			total = &pairs[i]
		} else {
			classCount++
		}
	}
	require.Equal(t, 3, classCount)
	require.NotNil(t, total)
	assert.Equal(t, 600.0, total.Record.Value)
}

func TestR151DistributorSumAndProviderClasses(t *testing.T) {
	xmlDoc := `<Flux_R151>
		<PRM>
			<Id_PRM>09111642617347</Id_PRM>
			<Donnees_Releve>
				<Date_Releve>2022-03-17</Date_Releve>
				<Classe_Temporelle_Distributeur>
					<Id_Classe_Temporelle>HPH</Id_Classe_Temporelle>
					<Valeur>100</Valeur>
				</Classe_Temporelle_Distributeur>
				<Classe_Temporelle_Distributeur>
					<Id_Classe_Temporelle>HCH</Id_Classe_Temporelle>
					<Valeur>200</Valeur>
				</Classe_Temporelle_Distributeur>
				<Classe_Temporelle>
					<Id_Classe_Temporelle>BASE</Id_Classe_Temporelle>
					<Valeur>250</Valeur>
				</Classe_Temporelle>
				<Puissance_Maximale>
					<Valeur>6000</Valeur>
				</Puissance_Maximale>
			</Donnees_Releve>
		</PRM>
	</Flux_R151>`

	p, err := NewR151Parser(strings.NewReader(xmlDoc))
	require.NoError(t, err)
	pairs := drain(t, p)

	byName := map[string]Pair{}
	for _, pr := range pairs {
		byName[pr.Record.Name] = pr
	}

	total, ok := byName["urn:dev:prm:09111642617347_consumption/energy/active/index"]
	require.True(t, ok)
	assert.Equal(t, 300.0, total.Record.Value)

	distributorHPH, ok := byName["urn:dev:prm:09111642617347_consumption/energy/active/index/distributor/hph"]
	require.True(t, ok)
	assert.Equal(t, 100.0, distributorHPH.Record.Value)

	provider, ok := byName["urn:dev:prm:09111642617347_consumption/energy/active/index/provider/base"]
	require.True(t, ok)
	assert.Equal(t, 250.0, provider.Record.Value)

	pmax, ok := byName["urn:dev:prm:09111642617347_consumption/power/apparent/max"]
	require.True(t, ok)
	assert.Equal(t, 6000.0, pmax.Record.Value)
	assert.Equal(t, "2022-03-17T00:00:00"+parisOffsetForDate(t, "2022-03-17"), pmax.Record.Time)
}

func parisOffsetForDate(t *testing.T, date string) string {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	parsed, err := time.ParseInLocation("2006-01-02", date, loc)
	require.NoError(t, err)
	return parsed.Format("Z07:00")
}

func TestR50ShiftsToStartOfIntervalAndValidatesStep(t *testing.T) {
	xmlDoc := `<Flux_R50>
		<En_Tete_Flux><Pas_Publication>30</Pas_Publication></En_Tete_Flux>
		<PRM>
			<Id_PRM>09111642617347</Id_PRM>
			<Donnees_Releve>
				<PDC><H>2020-06-01T00:30:00+02:00</H><V>100</V><IV>0</IV></PDC>
				<PDC><H>2020-06-01T01:00:00+02:00</H><V>110</V><IV>0</IV></PDC>
			</Donnees_Releve>
		</PRM>
	</Flux_R50>`

	p, err := NewR50Parser(strings.NewReader(xmlDoc), NoopWarner)
	require.NoError(t, err)
	pairs := drain(t, p)
	require.Len(t, pairs, 2)
	assert.Equal(t, "2020-06-01T00:00:00+02:00", pairs[0].Record.Time)
	assert.Equal(t, "2020-06-01T00:30:00+02:00", pairs[1].Record.Time)
}

func TestR50RejectsBadMedianStep(t *testing.T) {
	xmlDoc := `<Flux_R50>
		<En_Tete_Flux><Pas_Publication>30</Pas_Publication></En_Tete_Flux>
		<PRM>
			<Id_PRM>09111642617347</Id_PRM>
			<Donnees_Releve>
				<PDC><H>2020-06-01T00:10:00+02:00</H><V>100</V><IV>0</IV></PDC>
				<PDC><H>2020-06-01T00:20:00+02:00</H><V>110</V><IV>0</IV></PDC>
				<PDC><H>2020-06-01T00:30:00+02:00</H><V>120</V><IV>0</IV></PDC>
			</Donnees_Releve>
		</PRM>
	</Flux_R50>`

	_, err := NewR50Parser(strings.NewReader(xmlDoc), NoopWarner)
	assert.ErrorIs(t, err, ErrParse)
}

func TestR4xSkipsNonRealStatusAndConvertsUnits(t *testing.T) {
	xmlDoc := `<Flux_R4x>
		<Entete><Nature_De_Courbe_Demandee>Brute</Nature_De_Courbe_Demandee></Entete>
		<Corps>
			<Identifiant_PRM>09111642617347</Identifiant_PRM>
			<Donnees_Courbe>
				<Unite_Mesure>kW</Unite_Mesure>
				<Granularite>10</Granularite>
				<Grandeur_Metier>CONS</Grandeur_Metier>
				<Grandeur_Physique>EA</Grandeur_Physique>
				<Donnees_Point_Mesure Horodatage="2020-06-01T00:00:00+02:00" Valeur_Point="5" Statut_Point="R"/>
				<Donnees_Point_Mesure Horodatage="2020-06-01T00:10:00+02:00" Valeur_Point="6" Statut_Point="E"/>
			</Donnees_Courbe>
		</Corps>
	</Flux_R4x>`

	p, err := NewR4xParser(strings.NewReader(xmlDoc), NoopWarner)
	require.NoError(t, err)
	pairs := drain(t, p)
	require.Len(t, pairs, 1)
	assert.Equal(t, 5000.0, pairs[0].Record.Value)
	assert.Equal(t, "urn:dev:prm:09111642617347_consumption/power/active/raw", pairs[0].Record.Name)
}

const hdmLoadCurveDoc = "Identifiant PRM;Type de donnees;Grandeur physique;Grandeur metier;Etape metier;Unite\n" +
	"09111642617347;Courbe de charge;Energie active;Consommation;Comptage Brut;W\n" +
	"Horodate;Valeur\n" +
	"2020-06-01T00:30:00+02:00;100\n" +
	"2020-06-01T01:00:00+02:00;110\n"

func TestHDMLoadCurveC5ShiftsToStartOfInterval(t *testing.T) {
	var askedPRM string
	isC5 := func(prm string) bool {
		askedPRM = prm
		return true
	}

	p, err := NewHDMParser(strings.NewReader(hdmLoadCurveDoc), isC5, NoopWarner)
	require.NoError(t, err)
	pairs := drain(t, p)
	require.Len(t, pairs, 2)
	assert.Equal(t, "09111642617347", askedPRM, "the PRM handed to isC5 comes from the file's own meta block")
	assert.Equal(t, "2020-06-01T00:00:00+02:00", pairs[0].Record.Time)
	assert.Equal(t, "2020-06-01T00:30:00+02:00", pairs[1].Record.Time)
}

func TestHDMLoadCurveC4KeepsStartOfIntervalStamps(t *testing.T) {
	p, err := NewHDMParser(strings.NewReader(hdmLoadCurveDoc), func(string) bool { return false }, NoopWarner)
	require.NoError(t, err)
	pairs := drain(t, p)
	require.Len(t, pairs, 2)
	assert.Equal(t, "2020-06-01T00:30:00+02:00", pairs[0].Record.Time)
	assert.Equal(t, "2020-06-01T01:00:00+02:00", pairs[1].Record.Time)
}

func TestDispatchFormat(t *testing.T) {
	f, ok, err := DispatchFormat("ENEDIS_R171_20200601.zip")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, FormatR171, f)

	_, ok, err = DispatchFormat("2020_svc.xml")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = DispatchFormat("unexpected.zip")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnrecognizedFile)
}
