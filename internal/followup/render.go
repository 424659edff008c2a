package followup

import (
	"fmt"
	"strings"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// stageBodies is the small set of scripted bodies keyed by stage; a stage
// with no entry uses the maintenance body if it is a maintenance stage,
// otherwise a generic body chosen by the snapshot's engagement level.
var stageBodies = map[int]string{
	0:  "Hola! {time_reference} hablamos. ¿Seguís interesado en {specific_products}?",
	1:  "¿Alguna duda sobre {specific_products}? {budget_reference}",
	2:  "Seguimos disponibles si querés retomar la conversación.",
	13: "Esta es nuestra última notificación automática. Cuando quieras, escribinos.",
}

const maintenanceBody = "Seguimos acá si nos necesitás. {personalized_cta}"

// Render produces the outbound text for stage using snapshot, filling
// every known variable and leaving unset ones as empty strings so no
// placeholder ever leaks into a sent message.
func Render(stage int, snapshot model.Snapshot, sinceActivity string) string {
	body, ok := stageBodies[stage]
	if !ok {
		if model.IsMaintenanceStage(stage) {
			body = maintenanceBody
		} else {
			body = genericBodyFor(snapshot)
		}
	}

	vars := map[string]string{
		"time_reference":    sinceActivity,
		"specific_products": productsReference(snapshot),
		"budget_reference":  budgetReference(snapshot),
		"questions_reference": questionsReference(snapshot),
		"objection_response": objectionResponse(snapshot),
		"personalized_cta":  personalizedCTA(snapshot),
	}

	out := body
	for key, val := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", val)
	}
	return out
}

func genericBodyFor(snapshot model.Snapshot) string {
	if snapshot.Profile.EngagementLevel == model.EngagementHigh {
		return "¡Hola! Notamos tu interés en {specific_products}. {personalized_cta}"
	}
	return "Hola, ¿seguís ahí? {questions_reference}"
}

func productsReference(s model.Snapshot) string {
	if len(s.RecentProducts) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.RecentProducts))
	for _, p := range s.RecentProducts {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return strings.Join(names, ", ")
}

func budgetReference(s model.Snapshot) string {
	if !s.Profile.BudgetMentioned {
		return ""
	}
	return "Tenemos opciones para todos los presupuestos."
}

func questionsReference(s model.Snapshot) string {
	if len(s.LastQuestions) == 0 {
		return ""
	}
	return fmt.Sprintf("Sobre tu consulta: %q", s.LastQuestions[len(s.LastQuestions)-1])
}

func objectionResponse(s model.Snapshot) string {
	if len(s.Profile.ObjectionsRaised) == 0 {
		return ""
	}
	return "Entendemos tu inquietud y estamos para ayudarte a resolverla."
}

func personalizedCTA(s model.Snapshot) string {
	switch s.Profile.Type {
	case model.ProspectReseller:
		return "Tenemos precios especiales para revendedores."
	case model.ProspectEntrepreneur:
		return "Podemos armar un combo para arrancar tu emprendimiento."
	default:
		return "Contanos si te podemos ayudar en algo."
	}
}
